package odata

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	contentTypeJSON        = "application/json"
	productsBody           = `{"value":[{"Id":1,"Name":"Chai"},{"Id":2,"Name":"Chang"}]}`
	failedWriteResponseMsg = "Failed to write response: %v"
)

func newODataServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := New(WithBaseURL(server.URL + "/odata"))
	if !client.IsValid() {
		t.Fatalf("Expected valid client, got %v", client.ValidationError())
	}
	return server, client
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body string) {
	t.Helper()
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if _, err := io.WriteString(w, body); err != nil {
		t.Errorf(failedWriteResponseMsg, err)
	}
}

func TestNew(t *testing.T) {
	client := New(WithBaseURL("https://host/odata"))

	if client.maxRetries != 0 {
		t.Errorf("Expected maxRetries=0, got %d", client.maxRetries)
	}
	if client.initialBackoff != 100*time.Millisecond {
		t.Errorf("Expected initialBackoff=100ms, got %v", client.initialBackoff)
	}
	if client.httpClient.Timeout != 30*time.Second {
		t.Errorf("Expected timeout=30s, got %v", client.httpClient.Timeout)
	}
	if client.circuitBreaker != nil {
		t.Error("Expected circuit breaker disabled by default")
	}
	if client.cache != nil || client.deduplication != nil || client.limiters != nil {
		t.Error("Expected cache, deduplication and rate limiting disabled by default")
	}
	if !client.IsValid() {
		t.Errorf("Expected valid client, got %v", client.ValidationError())
	}
}

func TestNewWithoutBaseURLIsInvalid(t *testing.T) {
	client := New()
	if client.IsValid() {
		t.Fatal("Expected client without base URL to be invalid")
	}

	_, err := Get[product](client, "Products").Execute(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.Type != ErrorTypeValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestClientConfigIsCopy(t *testing.T) {
	client := New(WithBaseURL("https://host/odata"), WithHeader("X-Tenant", "a"))
	cfg := client.Config()
	cfg.Header.Set("X-Tenant", "b")

	if client.Config().Header.Get("X-Tenant") != "a" {
		t.Error("Expected Config() to return a copy")
	}
}

func TestExecuteGetCollection(t *testing.T) {
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET method, got %s", r.Method)
		}
		if r.URL.Path != "/odata/Products" {
			t.Errorf("Expected path /odata/Products, got %s", r.URL.Path)
		}
		if r.URL.RawQuery != "$select=Id%2CName&$orderby=Name%20desc&$top=2&$count=true" {
			t.Errorf("Unexpected raw query %q", r.URL.RawQuery)
		}
		if r.URL.Query().Get("$select") != "Id,Name" {
			t.Errorf("Expected decoded $select, got %q", r.URL.Query().Get("$select"))
		}
		if r.Header.Get("Accept") != contentTypeJSON {
			t.Errorf("Expected Accept %s, got %s", contentTypeJSON, r.Header.Get("Accept"))
		}
		if r.Header.Get("OData-Version") != "4.0" || r.Header.Get("OData-MaxVersion") != "4.0" {
			t.Errorf("Expected OData version headers, got %v", r.Header)
		}
		if r.Header.Get("Content-Type") != "" {
			t.Errorf("Expected no Content-Type on GET, got %s", r.Header.Get("Content-Type"))
		}
		writeJSON(t, w, http.StatusOK, `{"@odata.count":2,"value":[{"Id":2,"Name":"Chang"},{"Id":1,"Name":"Chai"}]}`)
	})

	resp, err := Get[product](client, "Products").
		Select("Id", "Name").
		OrderBy("Name", "desc").
		Top(2).
		Count(true).
		Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	products, err := resp.Value()
	if err != nil {
		t.Fatalf("Value() returned error: %v", err)
	}
	if len(products) != 2 || products[0].Name != "Chang" {
		t.Errorf("Unexpected products: %+v", products)
	}
	if count, ok := resp.Count(); !ok || count != 2 {
		t.Errorf("Expected count 2, got %d", count)
	}
}

func TestExecutePatchByID(t *testing.T) {
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("Expected PATCH method, got %s", r.Method)
		}
		if r.URL.Path != "/odata/Products(5)" {
			t.Errorf("Expected path /odata/Products(5), got %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != contentTypeJSON {
			t.Errorf("Expected Content-Type %s, got %s", contentTypeJSON, r.Header.Get("Content-Type"))
		}
		if r.Header.Get("If-Match") != `W/"1"` {
			t.Errorf("Expected If-Match header, got %q", r.Header.Get("If-Match"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"Price":9.5}` {
			t.Errorf("Unexpected body %s", body)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	resp, err := Patch[product](client, "Products", 5).
		Body(map[string]float64{"Price": 9.5}).
		Header("If-Match", `W/"1"`).
		Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if !resp.IsEmpty() || resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected empty 204 response, got %d", resp.StatusCode)
	}
}

func TestExecuteRef(t *testing.T) {
	var serverURL string
	server, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("Expected PUT method, got %s", r.Method)
		}
		if r.URL.Path != "/odata/Products(5)/Category/$ref" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Failed to decode body: %v", err)
		}
		if body["@odata.id"] != serverURL+"/odata/Categories(3)" {
			t.Errorf("Unexpected @odata.id %q", body["@odata.id"])
		}
		w.WriteHeader(http.StatusNoContent)
	})
	serverURL = server.URL

	if _, err := Put[product](client, "Products", 5).Ref("Category", "Categories", 3).Execute(context.Background()); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
}

func TestExecuteResolvesAgainstOrigin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/odata/Products" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, productsBody)
	}))
	defer server.Close()

	client := New(WithBaseURL("/odata"), WithOrigin(server.URL))
	if !client.IsValid() {
		t.Fatalf("Expected valid client, got %v", client.ValidationError())
	}
	if _, err := Get[product](client, "Products").Execute(context.Background()); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
}

func TestExecuteUsesRequestOrigin(t *testing.T) {
	var serverURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/odata/Products(5)/Category/$ref" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Failed to decode body: %v", err)
		}
		if body["@odata.id"] != serverURL+"/odata/Categories(3)" {
			t.Errorf("Expected @odata.id on the request origin, got %q", body["@odata.id"])
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()
	serverURL = server.URL

	client := New(WithBaseURL("/odata"), WithOrigin("https://other.example.com"))
	cfg := Config{BaseURL: "/odata", Origin: server.URL}
	req := NewRequest[product](client, cfg, MethodPut, "Products", 5).Ref("Category", "Categories", 3)
	if _, err := req.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
}

func TestExecuteHeaders(t *testing.T) {
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer request" {
			t.Errorf("Expected request header to win, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Tenant") != "acme" {
			t.Errorf("Expected config header, got %q", r.Header.Get("X-Tenant"))
		}
		if r.Header.Get("User-Agent") != "odata-go/"+Version {
			t.Errorf("Unexpected User-Agent %q", r.Header.Get("User-Agent"))
		}
		writeJSON(t, w, http.StatusOK, productsBody)
	})
	client.config.Header.Set("Authorization", "Bearer config")
	client.config.Header.Set("X-Tenant", "acme")

	_, err := Get[product](client, "Products").Header("Authorization", "Bearer request").Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
}

func TestExecuteODataError(t *testing.T) {
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, `{"error":{"code":"ResourceNotFound","message":"Product 9 does not exist"}}`)
	})

	_, err := GetByID[product](client, "Products", 9).Execute(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected *TransportError, got %v", err)
	}
	if transportErr.Type != ErrorTypeClient || transportErr.StatusCode != http.StatusNotFound {
		t.Errorf("Unexpected error type/status: %s/%d", transportErr.Type, transportErr.StatusCode)
	}
	if transportErr.ODataCode != "ResourceNotFound" || transportErr.Message != "Product 9 does not exist" {
		t.Errorf("Unexpected OData error: %q %q", transportErr.ODataCode, transportErr.Message)
	}
	if len(transportErr.Body) == 0 {
		t.Error("Expected error body to be kept")
	}
}

func TestExecuteServerErrorNotRetriedByDefault(t *testing.T) {
	var hits int32
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := Get[product](client, "Products").Execute(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.Type != ErrorTypeServer {
		t.Fatalf("Expected server error, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected 1 attempt, got %d", hits)
	}
}

func TestExecuteRetriesWhenEnabled(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(t, w, http.StatusOK, productsBody)
	}))
	defer server.Close()

	client := New(
		WithBaseURL(server.URL),
		WithMaxRetries(2),
		WithInitialBackoff(time.Millisecond),
		WithMaxBackoff(5*time.Millisecond),
	)

	resp, err := Get[product](client, "Products").Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("Expected 3 attempts, got %d", hits)
	}
}

func TestRetryResendsBody(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"Name":"Chai"}` {
			t.Errorf("Attempt %d: unexpected body %q", atomic.LoadInt32(&hits)+1, body)
		}
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL), WithMaxRetries(1), WithInitialBackoff(time.Millisecond))
	if _, err := Put[product](client, "Products", 1).Body(product{Name: "Chai"}).Execute(context.Background()); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected 2 attempts, got %d", hits)
	}
}

func TestPostIsNotRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL), WithMaxRetries(3), WithInitialBackoff(time.Millisecond))
	if _, err := Post[product](client, "Products").Body(product{Name: "Chai"}).Execute(context.Background()); err == nil {
		t.Fatal("Expected error")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected 1 attempt for POST, got %d", hits)
	}
}

func TestExecuteCancelInFlight(t *testing.T) {
	arrived := make(chan struct{})
	var once sync.Once
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(arrived) })
		<-r.Context().Done()
	})
	client.retryPolicy = NewDefaultRetryPolicy(3, time.Millisecond, time.Millisecond, 2, 0)

	req := Get[product](client, "Products")
	errCh := make(chan error, 1)
	go func() {
		_, err := req.Execute(context.Background())
		errCh <- err
	}()

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("Request never reached the server")
	}
	req.Cancel("stop")

	select {
	case err := <-errCh:
		var cancelErr *CancellationError
		if !errors.As(err, &cancelErr) {
			t.Fatalf("Expected *CancellationError, got %v", err)
		}
		if cancelErr.Message != "stop" {
			t.Errorf("Expected message 'stop', got %q", cancelErr.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after Cancel")
	}
}

func TestCancelCloneLeavesOriginalExecutable(t *testing.T) {
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, productsBody)
	})

	original := Get[product](client, "Products").Top(2)
	clone := original.Clone()
	clone.Cancel()

	resp, err := original.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if products, _ := resp.Value(); len(products) != 2 {
		t.Errorf("Expected 2 products, got %d", len(products))
	}
	if _, err := clone.Execute(context.Background()); !IsCancellation(err) {
		t.Errorf("Expected clone to be cancelled, got %v", err)
	}
}

func TestCache(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Method == http.MethodGet {
			writeJSON(t, w, http.StatusOK, productsBody)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL+"/odata"), WithCache(time.Minute))

	first, err := Get[product](client, "Products").Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	second, err := Get[product](client, "Products").Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected 1 server hit, got %d", hits)
	}
	if second.Header.Get("X-Cache") != "HIT" || first.Header.Get("X-Cache") != "" {
		t.Errorf("Expected only the second response from cache")
	}
	if string(second.Body) != productsBody {
		t.Errorf("Unexpected cached body %s", second.Body)
	}

	if _, err := Get[product](client, "Products").Top(1).Execute(context.Background()); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected different query to miss the cache, got %d hits", hits)
	}

	if _, err := Patch[product](client, "Products", 1).Body(map[string]string{"Name": "x"}).Execute(context.Background()); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if _, err := Get[product](client, "Products").Execute(context.Background()); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if atomic.LoadInt32(&hits) != 4 {
		t.Errorf("Expected write to invalidate cached reads, got %d hits", hits)
	}
}

type user struct {
	User string `json:"user"`
}

func echoAuthorization(t *testing.T, hits *int32, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		time.Sleep(delay)
		body, err := json.Marshal(user{User: r.Header.Get("Authorization")})
		if err != nil {
			t.Errorf("Failed to encode body: %v", err)
		}
		writeJSON(t, w, http.StatusOK, string(body))
	}
}

func TestCacheSeparatesAuthorization(t *testing.T) {
	var hits int32
	server := httptest.NewServer(echoAuthorization(t, &hits, 0))
	defer server.Close()

	client := New(WithBaseURL(server.URL+"/odata"), WithCache(time.Minute))
	for _, who := range []string{"alice", "bob", "alice"} {
		resp, err := Get[user](client, "Me").Header("Authorization", who).Execute(context.Background())
		if err != nil {
			t.Fatalf("Execute() returned error: %v", err)
		}
		got, err := resp.Entity()
		if err != nil {
			t.Fatalf("Entity() returned error: %v", err)
		}
		if got.User != who {
			t.Errorf("Expected response for %s, got %s", who, got.User)
		}
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected one server hit per caller, got %d", hits)
	}
}

func TestDeduplicationSeparatesAuthorization(t *testing.T) {
	var hits int32
	server := httptest.NewServer(echoAuthorization(t, &hits, 100*time.Millisecond))
	defer server.Close()

	client := New(WithBaseURL(server.URL+"/odata"), WithDeduplication())
	callers := []string{"alice", "bob"}
	got := make([]string, len(callers))
	var wg sync.WaitGroup
	for i, who := range callers {
		wg.Add(1)
		go func(i int, who string) {
			defer wg.Done()
			resp, err := Get[user](client, "Me").Header("Authorization", who).Execute(context.Background())
			if err != nil {
				t.Errorf("Execute() returned error: %v", err)
				return
			}
			entity, err := resp.Entity()
			if err != nil {
				t.Errorf("Entity() returned error: %v", err)
				return
			}
			got[i] = entity.User
		}(i, who)
	}
	wg.Wait()

	for i, who := range callers {
		if got[i] != who {
			t.Errorf("Expected response for %s, got %q", who, got[i])
		}
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected 2 server hits, got %d", hits)
	}
}

func TestWriteKeepsSiblingEntitySetCached(t *testing.T) {
	var hits int32
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(t, w, http.StatusOK, productsBody)
	})
	client.cache = NewInMemoryCache()
	client.cacheTTL = time.Minute

	for _, set := range []string{"Products", "ProductsArchive"} {
		if _, err := Get[product](client, set).Execute(context.Background()); err != nil {
			t.Fatalf("Execute() returned error: %v", err)
		}
	}
	if _, err := Patch[product](client, "Products", 1).Body(map[string]string{"Name": "x"}).Execute(context.Background()); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("Expected 3 server hits, got %d", hits)
	}

	resp, err := Get[product](client, "ProductsArchive").Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if resp.Header.Get("X-Cache") != "HIT" || atomic.LoadInt32(&hits) != 3 {
		t.Errorf("Expected ProductsArchive to stay cached, got %d hits", hits)
	}
	if _, err := Get[product](client, "Products").Execute(context.Background()); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if atomic.LoadInt32(&hits) != 4 {
		t.Errorf("Expected Products to be invalidated, got %d hits", hits)
	}
}

func TestCacheContextOverride(t *testing.T) {
	var hits int32
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(t, w, http.StatusOK, productsBody)
	})
	client.cache = NewInMemoryCache()
	client.cacheTTL = time.Minute

	ctx := WithContextCacheDisabled(context.Background())
	for i := 0; i < 2; i++ {
		if _, err := Get[product](client, "Products").Execute(ctx); err != nil {
			t.Fatalf("Execute() returned error: %v", err)
		}
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected cache bypass, got %d hits", hits)
	}
}

func TestDeduplication(t *testing.T) {
	var hits int32
	arrived := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		once.Do(func() { close(arrived) })
		<-release
		writeJSON(t, w, http.StatusOK, productsBody)
	})
	client.deduplication = newDeduplicationGroup()

	const callers = 5
	var wg sync.WaitGroup
	bodies := make([][]byte, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := Get[product](client, "Products").Execute(context.Background())
			errs[i] = err
			if resp != nil {
				bodies[i] = resp.Body
			}
		}(i)
	}

	<-arrived
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected 1 server hit, got %d", hits)
	}
	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("Caller %d: unexpected error %v", i, errs[i])
		}
		if string(bodies[i]) != productsBody {
			t.Errorf("Caller %d: unexpected body %s", i, bodies[i])
		}
	}
	bodies[0][0] = 'X'
	if bodies[1][0] != '{' {
		t.Error("Expected each caller to receive its own body copy")
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(
		WithBaseURL(server.URL),
		WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 1}),
	)

	for i := 0; i < 2; i++ {
		_, err := Get[product](client, "Products").Execute(context.Background())
		if !errors.Is(err, &TransportError{Type: ErrorTypeServer}) {
			t.Fatalf("Attempt %d: expected server error, got %v", i, err)
		}
	}

	_, err := Get[product](client, "Products").Execute(context.Background())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected open circuit to short-circuit, got %d hits", hits)
	}
	if client.circuitBreaker.State() != StateOpen {
		t.Errorf("Expected open state, got %s", client.circuitBreaker.State())
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client.circuitBreaker = NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})

	for i := 0; i < 3; i++ {
		_, err := Get[product](client, "Products").Execute(context.Background())
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("Attempt %d: 404 must not open the circuit", i)
		}
	}
}

func TestClientRateLimiter(t *testing.T) {
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, productsBody)
	})
	WithRateLimiter(1, time.Hour)(client)

	if _, err := Get[product](client, "Products").Execute(context.Background()); err != nil {
		t.Fatalf("First request returned error: %v", err)
	}
	_, err := Get[product](client, "Products").Execute(context.Background())
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}
}

func TestRateLimiterRegistryPerEntitySet(t *testing.T) {
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, productsBody)
	})
	registry := NewRateLimiterRegistry(EntitySetKeyFunc, nil)
	registry.RegisterLimiter("entity:Orders", NewRateLimiter(1, time.Hour))
	client.limiters = registry

	for i := 0; i < 3; i++ {
		if _, err := GetByID[product](client, "Products", i).Execute(context.Background()); err != nil {
			t.Fatalf("Products request %d returned error: %v", i, err)
		}
	}
	if _, err := Get[product](client, "Orders").Execute(context.Background()); err != nil {
		t.Fatalf("First Orders request returned error: %v", err)
	}
	if _, err := GetByID[product](client, "Orders", 7).Execute(context.Background()); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected Orders(7) to share the Orders limiter, got %v", err)
	}
}

func TestMiddlewareOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) Middleware {
		return func(req *http.Request, next RoundTripper) (*http.Response, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			req.Header.Set("X-"+name, "1")
			return next.RoundTrip(req)
		}
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-first") != "1" || r.Header.Get("X-second") != "1" {
			t.Errorf("Expected middleware headers, got %v", r.Header)
		}
		writeJSON(t, w, http.StatusOK, productsBody)
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL), WithMiddleware(record("first"), record("second")))
	if _, err := Get[product](client, "Products").Execute(context.Background()); err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("Expected [first second], got %v", order)
	}
}

func TestRequestIDGenerator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, productsBody)
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL), WithRequestIDGenerator(func() string { return "req-42" }))
	resp, err := Get[product](client, "Products").Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() returned error: %v", err)
	}
	if resp.RequestID != "req-42" {
		t.Errorf("Expected request id req-42, got %q", resp.RequestID)
	}
}

func TestDoSendsPreparedRequest(t *testing.T) {
	_, client := newODataServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, `{"value":[]}`)
	})

	req, err := http.NewRequest(http.MethodGet, client.Config().BaseURL+"/$metadata", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() returned error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestEndpointHelpers(t *testing.T) {
	tests := []struct {
		path      string
		endpoint  string
		entitySet string
	}{
		{"/odata/Products", "host/odata/Products", "Products"},
		{"/odata/Products(5)", "host/odata/Products", "Products"},
		{"/odata/Products(5)/Category/$ref", "host/odata/Products/Category/$ref", "Category"},
		{"/odata/Products/$count", "host/odata/Products/$count", "Products"},
		{"/odata/Orders(OrderID=1,ProductID=2)", "host/odata/Orders", "Orders"},
		{"/", "host/", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := &http.Request{URL: &url.URL{Scheme: "https", Host: "host", Path: tt.path}}
			if got := getEndpointFromRequest(req); got != tt.endpoint {
				t.Errorf("Expected endpoint %q, got %q", tt.endpoint, got)
			}
			if got := entitySetFromPath(tt.path); got != tt.entitySet {
				t.Errorf("Expected entity set %q, got %q", tt.entitySet, got)
			}
		})
	}
}

func TestExecuteNilDescriptor(t *testing.T) {
	client := New(WithBaseURL("https://host"))
	if _, err := client.Execute(context.Background(), nil); err == nil {
		t.Error("Expected error for nil descriptor")
	}
}
