package ledger

import (
	"fmt"
	"strings"
)

// MaxQueryResults caps full-list queries.
const MaxQueryResults = 1000

var literalEscaper = strings.NewReplacer(`\`, `\\`, "'", `\'`)

// Escape quotes a value for use inside a single-quoted query literal.
func Escape(value string) string {
	return literalEscaper.Replace(value)
}

// SelectByName matches the entity's name attribute exactly.
func SelectByName(entity EntityType, name string) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s = '%s'", entity, entity.NameField(), Escape(name))
}

// SelectNameLike matches names starting with prefix.
func SelectNameLike(entity EntityType, prefix string) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s LIKE '%s%%' MAXRESULTS %d", entity, entity.NameField(), Escape(prefix), MaxQueryResults)
}

// SelectAll lists the entity up to MaxQueryResults rows.
func SelectAll(entity EntityType) string {
	return fmt.Sprintf("SELECT * FROM %s MAXRESULTS %d", entity, MaxQueryResults)
}

// SelectActive lists active rows of the entity.
func SelectActive(entity EntityType) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE Active = true MAXRESULTS %d", entity, MaxQueryResults)
}

// SelectChildren lists sub-entities under parentID.
func SelectChildren(entity EntityType, parentID string) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE ParentRef = '%s' MAXRESULTS %d", entity, Escape(parentID), MaxQueryResults)
}

// SelectBill is the idempotency probe for a bill.
func SelectBill(docNumber, vendorRef string) string {
	return fmt.Sprintf("SELECT * FROM Bill WHERE DocNumber = '%s' AND VendorRef = '%s'", Escape(docNumber), Escape(vendorRef))
}
