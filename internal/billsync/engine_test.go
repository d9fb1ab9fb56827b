package billsync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/billsync/internal/bills"
	"github.com/odyssey-erp/billsync/internal/ledger"
)

type fakeLedger struct {
	mu          sync.Mutex
	credErr     error
	rows        map[ledger.EntityType][]ledger.Entity
	bills       []ledger.Entity
	createErrs  []error
	entityErr   error
	findErr     error
	updateErr   error
	onFind      func()
	created     []ledger.BillPayload
	updated     []ledger.BillPayload
	calls       int
	creates     int
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	nextID      int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[ledger.EntityType][]ledger.Entity), nextID: 500}
}

func (f *fakeLedger) CheckCredential(context.Context) error {
	return f.credErr
}

func (f *fakeLedger) Query(_ context.Context, entity ledger.EntityType, stmt string) ([]ledger.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var out []ledger.Entity
	for _, row := range f.rows[entity] {
		if stmt == ledger.SelectAll(entity) || stmt == ledger.SelectActive(entity) || stmt == ledger.SelectByName(entity, row.Label()) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeLedger) Create(_ context.Context, entity ledger.EntityType, body any) (ledger.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.creates++
	if f.entityErr != nil {
		return ledger.Entity{}, f.entityErr
	}
	f.nextID++
	e := ledger.Entity{ID: strconv.Itoa(f.nextID)}
	if v, ok := body.(ledger.VendorPayload); ok {
		e.DisplayName = v.DisplayName
	}
	f.rows[entity] = append(f.rows[entity], e)
	return e, nil
}

func (f *fakeLedger) FindBill(_ context.Context, doc, vendor string) (ledger.Entity, bool, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	if f.onFind != nil {
		f.onFind()
	}
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.findErr != nil {
		return ledger.Entity{}, false, f.findErr
	}
	for _, b := range f.bills {
		if b.DocNumber == doc && b.VendorRef != nil && b.VendorRef.Value == vendor {
			return b, true, nil
		}
	}
	return ledger.Entity{}, false, nil
}

func (f *fakeLedger) CreateBill(_ context.Context, p ledger.BillPayload) (ledger.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.created = append(f.created, p)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return ledger.Entity{}, err
		}
	}
	f.nextID++
	e := ledger.Entity{ID: strconv.Itoa(f.nextID), DocNumber: p.DocNumber, VendorRef: &ledger.RefValue{Value: p.VendorRef.Value}}
	f.bills = append(f.bills, e)
	return e, nil
}

func (f *fakeLedger) UpdateBill(_ context.Context, p ledger.BillPayload) (ledger.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.updated = append(f.updated, p)
	if f.updateErr != nil {
		return ledger.Entity{}, f.updateErr
	}
	return ledger.Entity{ID: p.ID}, nil
}

func (f *fakeLedger) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func line(doc, amount string) bills.RawInvoiceLine {
	return bills.RawInvoiceLine{
		Vendor:          bills.Ref{ID: "V1", Name: "Acme Corp"},
		DocumentNumber:  doc,
		TransactionDate: "2025-03-10",
		Amount:          decimal.RequireFromString(amount),
		Description:     "Services " + doc,
		Account:         bills.Ref{ID: "60"},
		TaxCode:         bills.Ref{ID: "5"},
	}
}

func duplicateVendor() error {
	return &ledger.Error{Op: "create", Entity: ledger.EntityBill, Status: 400, Kind: ledger.KindDuplicateName,
		Faults: []ledger.Fault{{Code: "6240", Message: "Duplicate Name Exists Error"}}}
}

func TestSyncBillsCreates(t *testing.T) {
	fake := newFakeLedger()
	engine := NewEngine(fake, Config{})

	report, err := engine.SyncBills(context.Background(), []bills.RawInvoiceLine{line("D1", "10"), line("D2", "20"), line("D1", "5")}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.NotEmpty(t, report.RunID)
	require.Equal(t, 2, report.Created)
	require.Zero(t, report.Errors)
	require.Len(t, report.Results, 2)
	require.Equal(t, "D1", report.Results[0].DocumentNumber)
	require.Equal(t, "D2", report.Results[1].DocumentNumber)
	for _, res := range report.Results {
		require.Equal(t, OutcomeCreated, res.Outcome)
		require.NotEmpty(t, res.ExternalID)
	}
	require.Len(t, fake.created, 2)
}

func TestSyncBillsSkipsExistingWithoutWrites(t *testing.T) {
	fake := newFakeLedger()
	fake.bills = []ledger.Entity{{ID: "77", SyncToken: "4", DocNumber: "D1", VendorRef: &ledger.RefValue{Value: "V1"}}}
	engine := NewEngine(fake, Config{})

	report, err := engine.SyncBills(context.Background(), []bills.RawInvoiceLine{line("D1", "10")}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkippedExisting, report.Results[0].Outcome)
	require.Equal(t, "77", report.Results[0].ExternalID)
	require.Equal(t, 1, report.Skipped)
	require.Empty(t, fake.created)
	require.Empty(t, fake.updated)
}

func TestSyncBillsSkipCreatesNoEntities(t *testing.T) {
	fake := newFakeLedger()
	fake.bills = []ledger.Entity{{ID: "77", SyncToken: "4", DocNumber: "D1", VendorRef: &ledger.RefValue{Value: "V1"}}}
	l := line("D1", "10")
	l.Item = &bills.Ref{Name: "Brand New Widget"}
	l.Customer = &bills.CustomerRef{Name: "Walk-in Customer"}

	report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{l}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkippedExisting, report.Results[0].Outcome)
	require.Zero(t, fake.createCount())
	require.Empty(t, fake.rows[ledger.EntityItem])
	require.Empty(t, fake.created)
	require.Empty(t, fake.updated)
}

func TestSyncBillsRejectedBillCreatesNoVendor(t *testing.T) {
	fake := newFakeLedger()
	fake.rows[ledger.EntityVendor] = []ledger.Entity{{ID: "V9", DisplayName: "Known Vendor"}}
	good := line("D1", "10")
	good.Vendor = bills.Ref{Name: "Known Vendor"}
	zero := line("D2", "0")
	zero.Vendor = bills.Ref{Name: "Ghost Supplies"}

	report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{good, zero}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	require.Equal(t, "D1", report.Results[0].DocumentNumber)
	require.Equal(t, OutcomeCreated, report.Results[0].Outcome)
	require.Equal(t, "D2", report.Results[1].DocumentNumber)
	require.Equal(t, KindValidation, report.Results[1].ErrorKind)
	require.Zero(t, fake.createCount())
	require.Len(t, fake.rows[ledger.EntityVendor], 1)
}

func TestSyncBillsGroupsNamedVendorWithItsID(t *testing.T) {
	fake := newFakeLedger()
	fake.rows[ledger.EntityVendor] = []ledger.Entity{{ID: "V9", DisplayName: "Known Vendor"}}
	byID := line("D1", "10")
	byID.Vendor = bills.Ref{ID: "V9"}
	byName := line("D1", "15")
	byName.Vendor = bills.Ref{Name: "Known Vendor"}

	report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{byID, byName}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	require.Equal(t, 1, report.Created)
	require.Len(t, fake.created, 1)
	require.Equal(t, "V9", fake.created[0].VendorRef.Value)
	require.Len(t, fake.created[0].Line, 1)
}

func TestSyncBillsUpdatesExisting(t *testing.T) {
	fake := newFakeLedger()
	fake.bills = []ledger.Entity{{ID: "77", SyncToken: "4", DocNumber: "D1", VendorRef: &ledger.RefValue{Value: "V1"}}}
	engine := NewEngine(fake, Config{})

	report, err := engine.SyncBills(context.Background(), []bills.RawInvoiceLine{line("D1", "10")}, bills.DefaultPolicy(), true)
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, report.Results[0].Outcome)
	require.Len(t, fake.updated, 1)
	require.Equal(t, "77", fake.updated[0].ID)
	require.Equal(t, "4", fake.updated[0].SyncToken)
	require.True(t, fake.updated[0].Sparse)

	fake.updateErr = &ledger.Error{Op: "update", Entity: ledger.EntityBill, Status: 400, Kind: ledger.KindRejected}
	report, err = engine.SyncBills(context.Background(), []bills.RawInvoiceLine{line("D1", "10")}, bills.DefaultPolicy(), true)
	require.NoError(t, err)
	require.Equal(t, OutcomeError, report.Results[0].Outcome)
	require.Equal(t, KindUpdateFailed, report.Results[0].ErrorKind)
}

func TestSyncBillsConflictRecovery(t *testing.T) {
	setup := func() *fakeLedger {
		fake := newFakeLedger()
		fake.rows[ledger.EntityVendor] = []ledger.Entity{{ID: "58", DisplayName: "ACME CORP (2)"}, {ID: "59", DisplayName: "Acme Corp "}}
		fake.createErrs = []error{duplicateVendor()}
		return fake
	}

	t.Run("skips with matched id", func(t *testing.T) {
		fake := setup()
		report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{line("D1", "10")}, bills.DefaultPolicy(), false)
		require.NoError(t, err)
		res := report.Results[0]
		require.Equal(t, OutcomeSkippedAlreadyExists, res.Outcome)
		require.Equal(t, "59", res.ExternalID)
		require.Contains(t, res.Detail, "trimmed")
		require.Len(t, fake.created, 1)
	})

	t.Run("retry creates with recovered vendor", func(t *testing.T) {
		fake := setup()
		report, err := NewEngine(fake, Config{RetryAfterRecovery: true}).SyncBills(context.Background(), []bills.RawInvoiceLine{line("D1", "10")}, bills.DefaultPolicy(), false)
		require.NoError(t, err)
		res := report.Results[0]
		require.Equal(t, OutcomeCreated, res.Outcome)
		require.Equal(t, "59", res.VendorRef)
		require.Len(t, fake.created, 2)
		require.Equal(t, "59", fake.created[1].VendorRef.Value)
	})

	t.Run("no candidate", func(t *testing.T) {
		fake := newFakeLedger()
		fake.createErrs = []error{duplicateVendor()}
		report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{line("D1", "10")}, bills.DefaultPolicy(), false)
		require.NoError(t, err)
		require.Equal(t, KindDuplicateUnresolved, report.Results[0].ErrorKind)
		require.Equal(t, 1, report.Errors)
	})
}

func TestSyncBillsSubCustomerConflict(t *testing.T) {
	fake := newFakeLedger()
	fake.rows[ledger.EntityCustomer] = []ledger.Entity{
		{ID: "31", DisplayName: "Cantiere Nord", ParentRef: &ledger.RefValue{Value: "10"}},
	}
	fake.createErrs = []error{&ledger.Error{Op: "create", Entity: ledger.EntityBill, Status: 400, Kind: ledger.KindNameInUse}}
	l := line("D1", "10")
	l.Customer = &bills.CustomerRef{ID: "30", Name: "Cantiere Nord", ParentID: "10"}

	report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{l}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkippedAlreadyExists, report.Results[0].Outcome)
	require.Equal(t, "31", report.Results[0].ExternalID)
}

func TestSyncBillsNoCredential(t *testing.T) {
	fake := newFakeLedger()
	fake.credErr = ledger.ErrNoCredential
	report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{line("D1", "10"), line("D2", "1")}, bills.DefaultPolicy(), false)
	require.ErrorIs(t, err, ledger.ErrNoCredential)
	require.Len(t, report.Results, 2)
	for _, res := range report.Results {
		require.Equal(t, KindNoCredential, res.ErrorKind)
	}
	require.Equal(t, 2, report.Errors)
	require.Zero(t, fake.callCount())
}

func TestSyncBillsInvalidPolicy(t *testing.T) {
	policy := bills.DefaultPolicy()
	policy.MaxLinesPerBill = -1
	_, err := NewEngine(newFakeLedger(), Config{}).SyncBills(context.Background(), nil, policy, false)
	require.ErrorIs(t, err, bills.ErrInvalidPolicy)
}

func TestSyncBillsNetworkFailureIsolated(t *testing.T) {
	fake := newFakeLedger()
	var n atomic.Int32
	fake.onFind = func() {
		if n.Add(1) == 1 {
			fake.mu.Lock()
			fake.findErr = &ledger.Error{Op: "query", Entity: ledger.EntityBill, Kind: ledger.KindNetwork, Err: fmt.Errorf("%w: timeout", ledger.ErrNetwork)}
			fake.mu.Unlock()
		}
	}
	engine := NewEngine(fake, Config{Concurrency: 1})
	report, err := engine.SyncBills(context.Background(), []bills.RawInvoiceLine{line("D1", "10")}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Equal(t, KindNetwork, report.Results[0].ErrorKind)

	fake.findErr = nil
	report, err = engine.SyncBills(context.Background(), []bills.RawInvoiceLine{line("D1", "10"), line("D2", "10")}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Equal(t, 2, report.Created)
}

func TestSyncBillsValidation(t *testing.T) {
	fake := newFakeLedger()
	noVendor := line("D1", "10")
	noVendor.Vendor = bills.Ref{}
	zero := line("D2", "0")
	badDate := line("D3", "10")
	badDate.TransactionDate = "03/04/2025"

	report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{noVendor, zero, badDate}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	for _, res := range report.Results {
		assert.Equal(t, KindValidation, res.ErrorKind, res.DocumentNumber)
	}
	require.Zero(t, fake.callCount())
}

func TestSyncBillsVendorResolutionFailure(t *testing.T) {
	fake := newFakeLedger()
	fake.entityErr = &ledger.Error{Op: "create", Entity: ledger.EntityVendor, Status: 400, Kind: ledger.KindRejected}
	l := line("D1", "10")
	l.Vendor = bills.Ref{Name: "Brand New Srl"}

	report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{l, l}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	require.Equal(t, KindLedgerRejected, report.Results[0].ErrorKind)
	require.Empty(t, fake.created)
}

func TestSyncBillsResolvesVendorByName(t *testing.T) {
	fake := newFakeLedger()
	fake.rows[ledger.EntityVendor] = []ledger.Entity{{ID: "V9", DisplayName: "Known Vendor"}}
	l := line("D1", "10")
	l.Vendor = bills.Ref{Name: "Known Vendor"}

	report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{l}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, report.Results[0].Outcome)
	require.Equal(t, "V9", fake.created[0].VendorRef.Value)
}

func TestSyncBillsItemFailureDegradesLine(t *testing.T) {
	fake := newFakeLedger()
	fake.entityErr = &ledger.Error{Op: "create", Entity: ledger.EntityItem, Status: 400, Kind: ledger.KindRejected}
	l := line("D1", "10")
	l.Item = &bills.Ref{Name: "Custom Widget"}

	report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{l}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	res := report.Results[0]
	require.Equal(t, OutcomeCreated, res.Outcome)
	require.Len(t, res.Warnings, 1)
	require.Equal(t, KindEntityResolutionFailed, res.Warnings[0].Kind)
	require.Equal(t, ledger.DetailAccountBased, fake.created[0].Line[0].DetailType)
}

func TestSyncBillsAccountFailureFailsBill(t *testing.T) {
	fake := newFakeLedger()
	l := line("D1", "10")
	l.Account = bills.Ref{Name: "Unknown"}

	report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{l}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Equal(t, KindEntityResolutionFailed, report.Results[0].ErrorKind)
	require.Empty(t, fake.created)
}

func TestSyncBillsResolvesTaxFromDescription(t *testing.T) {
	fake := newFakeLedger()
	fake.rows[ledger.EntityTaxCode] = []ledger.Entity{{ID: "T1", Name: "22% IVA Vendite"}, {ID: "T2", Name: "22% IVA Acquisti"}}
	l := line("D1", "10")
	l.TaxCode = bills.Ref{}
	l.Description = "Consulenza IVA 22%"

	report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), []bills.RawInvoiceLine{l}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, report.Results[0].Outcome)
	detail := fake.created[0].Line[0].AccountBasedExpenseLineDetail
	require.Equal(t, "T2", detail.TaxCodeRef.Value)
	require.Equal(t, "T2", fake.created[0].TxnTaxDetail.TxnTaxCodeRef.Value)
}

func TestSyncBillsBoundedConcurrencyAndOrder(t *testing.T) {
	fake := newFakeLedger()
	var lines []bills.RawInvoiceLine
	for i := 0; i < 40; i++ {
		lines = append(lines, line(fmt.Sprintf("D%02d", i), "1"))
	}
	report, err := NewEngine(fake, Config{}).SyncBills(context.Background(), lines, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Equal(t, 40, report.Created)
	for i, res := range report.Results {
		require.Equal(t, fmt.Sprintf("D%02d", i), res.DocumentNumber)
	}
	require.LessOrEqual(t, fake.maxInFlight.Load(), int32(DefaultConcurrency))
}

func TestSyncBillsCancellation(t *testing.T) {
	fake := newFakeLedger()
	ctx, cancel := context.WithCancel(context.Background())
	fake.onFind = cancel

	report, err := NewEngine(fake, Config{Concurrency: 1}).SyncBills(ctx, []bills.RawInvoiceLine{line("D1", "1"), line("D2", "1"), line("D3", "1")}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, report.Results[0].Outcome)
	require.Equal(t, KindCanceled, report.Results[1].ErrorKind)
	require.Equal(t, KindCanceled, report.Results[2].ErrorKind)
	require.Len(t, fake.created, 1)
}

func TestSyncBillsLogsOneComponentPerLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	fake := newFakeLedger()
	l := line("D1", "10")
	l.Vendor = bills.Ref{Name: "Fresh Vendor"}
	l.Item = &bills.Ref{Name: "Brand New Widget"}

	report, err := NewEngine(fake, Config{}, WithLogger(logger)).SyncBills(context.Background(), []bills.RawInvoiceLine{l}, bills.DefaultPolicy(), false)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, report.Results[0].Outcome)

	out := strings.TrimSpace(buf.String())
	require.NotEmpty(t, out)
	components := map[string]bool{}
	for _, entry := range strings.Split(out, "\n") {
		assert.LessOrEqual(t, strings.Count(entry, "component="), 1, entry)
		if _, rest, ok := strings.Cut(entry, "component="); ok {
			name, _, _ := strings.Cut(rest, " ")
			components[name] = true
		}
	}
	require.True(t, components["billsync"])
	require.True(t, components["resolver"])
}

func TestMetricsRecordResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	fake := newFakeLedger()
	_, err := NewEngine(fake, Config{}, WithMetrics(metrics)).SyncBills(context.Background(), []bills.RawInvoiceLine{line("D1", "1")}, bills.DefaultPolicy(), false)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["billsync_results_total"])
	require.True(t, names["billsync_batch_duration_seconds"])
}
