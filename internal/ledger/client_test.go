package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, tokens TokenProvider) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, RealmID: "123", Timeout: time.Second}, tokens)
}

func TestQueryDecodesRows(t *testing.T) {
	var gotQuery, gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/company/123/query", r.URL.Path)
		gotQuery = r.URL.Query().Get("query")
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"QueryResponse":{"Vendor":[{"Id":"7","DisplayName":"O'Brien Ltd","SyncToken":"0"}],"maxResults":1}}`)
	}, StaticToken("tok"))

	v, ok, err := client.FindByName(context.Background(), EntityVendor, "O'Brien Ltd")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "7", v.ID)
	require.Equal(t, "O'Brien Ltd", v.Label())
	require.Equal(t, `SELECT * FROM Vendor WHERE DisplayName = 'O\'Brien Ltd'`, gotQuery)
	require.Equal(t, "Bearer tok", gotAuth)
}

func TestQueryEmptyResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"QueryResponse":{}}`)
	}, StaticToken("tok"))

	_, ok, err := client.FindBill(context.Background(), "D1", "7")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateDecodesFault(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   Kind
	}{
		{name: "duplicate code", status: 400, body: `{"Fault":{"Error":[{"Message":"Duplicate Name Exists Error","Detail":"The name supplied already exists. : Id=58","code":"6240"}],"type":"ValidationFault"}}`, kind: KindDuplicateName},
		{name: "name in use code", status: 400, body: `{"Fault":{"Error":[{"Message":"Another customer is already using this name","code":"6000"}],"type":"ValidationFault"}}`, kind: KindNameInUse},
		{name: "substring fallback", status: 400, body: `{"Fault":{"Error":[{"Message":"Duplicate Name Exists Error","code":"9999"}]}}`, kind: KindDuplicateName},
		{name: "rejected", status: 400, body: `{"Fault":{"Error":[{"Message":"Invalid Reference Id","code":"2500"}]}}`, kind: KindRejected},
		{name: "auth", status: 401, body: `{"Fault":{"Error":[{"Message":"AuthenticationFailed","code":"3200"}]}}`, kind: KindAuth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}, StaticToken("tok"))

			_, err := client.Create(context.Background(), EntityVendor, VendorPayload{DisplayName: "Acme"})
			require.Error(t, err)
			lerr, ok := AsError(err)
			require.True(t, ok)
			require.Equal(t, tc.kind, lerr.Kind)
			require.Equal(t, tc.status, lerr.Status)
			require.NotEmpty(t, lerr.Faults)
		})
	}
}

func TestCreateRetriesOnceOnServerError(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		require.Equal(t, "/v3/company/123/bill", r.URL.Path)
		_, _ = io.WriteString(w, `{"Bill":{"Id":"99","SyncToken":"0"}}`)
	}, StaticToken("tok"))

	bill, err := client.CreateBill(context.Background(), BillPayload{VendorRef: RefValue{Value: "7"}, TxnDate: "2025-01-01"})
	require.NoError(t, err)
	require.Equal(t, "99", bill.ID)
	require.EqualValues(t, 2, calls.Load())
}

func TestNetworkFailureAfterRetry(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, StaticToken("tok"))

	_, err := client.Query(context.Background(), EntityVendor, SelectAll(EntityVendor))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNetwork))
	require.True(t, IsKind(err, KindNetwork))
	require.EqualValues(t, 2, calls.Load())
}

func TestTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		_, _ = io.WriteString(w, `{"QueryResponse":{"Item":[{"Id":"3","Name":"Pallet"}]}}`)
	}))
	defer srv.Close()
	client := NewClient(Config{BaseURL: srv.URL, RealmID: "123", Timeout: 50 * time.Millisecond}, StaticToken("tok"))

	rows, err := client.Query(context.Background(), EntityItem, SelectByName(EntityItem, "Pallet"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 2, calls.Load())
}

func TestSentinelTokenMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, StaticToken(DefaultInvalidTokenSentinel))

	require.ErrorIs(t, client.CheckCredential(context.Background()), ErrNoCredential)
	_, err := client.Query(context.Background(), EntityVendor, SelectAll(EntityVendor))
	require.ErrorIs(t, err, ErrNoCredential)
	require.True(t, IsKind(err, KindAuth))

	failing := TokenFunc(func(context.Context) (string, error) { return "", errors.New("refresh failed") })
	client = newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }, failing)
	require.ErrorIs(t, client.CheckCredential(context.Background()), ErrNoCredential)
	require.Zero(t, calls.Load())
}

func TestUpdateSendsSparseBody(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "update", r.URL.Query().Get("operation"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, `{"Bill":{"Id":"5","SyncToken":"3"}}`)
	}, StaticToken("tok"))

	_, err := client.UpdateBill(context.Background(), BillPayload{
		ID:        "5",
		SyncToken: "2",
		Sparse:    true,
		VendorRef: RefValue{Value: "7"},
		TxnDate:   "2025-01-01",
		Line: []BillLine{{
			ID: "1", LineNum: 1, Amount: Amount(decimal.RequireFromString("12.5")), DetailType: DetailAccountBased,
			AccountBasedExpenseLineDetail: &AccountBasedLineDetail{AccountRef: RefValue{Value: "60"}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "5", body["Id"])
	assert.Equal(t, "2", body["SyncToken"])
	assert.Equal(t, true, body["sparse"])
	line := body["Line"].([]any)[0].(map[string]any)
	assert.Equal(t, 12.5, line["Amount"])
	_, hasItem := line["ItemBasedExpenseLineDetail"]
	assert.False(t, hasItem)
}

func TestFileToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("abc\n"), 0o600))
	tok, err := FileToken{Path: path}.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", tok)

	_, err = FileToken{Path: path + ".missing"}.AccessToken(context.Background())
	require.Error(t, err)
}

func TestQueryBuilders(t *testing.T) {
	require.Equal(t, `SELECT * FROM Bill WHERE DocNumber = 'A\'1' AND VendorRef = '7'`, SelectBill("A'1", "7"))
	require.Equal(t, `SELECT * FROM Item WHERE Name LIKE 'Pal%' MAXRESULTS 1000`, SelectNameLike(EntityItem, "Pal"))
	require.Equal(t, `SELECT * FROM Customer WHERE ParentRef = '9' MAXRESULTS 1000`, SelectChildren(EntityCustomer, "9"))
}

func TestEscapeBackslash(t *testing.T) {
	require.Equal(t, `AB\\`, Escape(`AB\`))
	require.Equal(t, `O\'Brien \\ Co`, Escape(`O'Brien \ Co`))
	require.Equal(t, `\\\'`, Escape(`\'`))
	require.Equal(t, `SELECT * FROM Vendor WHERE DisplayName = 'AB\\'`, SelectByName(EntityVendor, `AB\`))
}
