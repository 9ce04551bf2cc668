// Package odata builds and executes OData v4 requests.
//
// A Request is a fluent builder over one HTTP call. Query options are only
// accepted where OData allows them:
//
//   - $select, $expand, $filter, $orderby, $top, $skip, $count and $search on GET
//   - a JSON body on POST, PUT and PATCH
//   - $ref reference updates on POST and PUT
//   - arbitrary query parameters and headers on every method
//
// A misplaced call does not panic. The first one is recorded, Err reports
// it and Execute returns it without contacting the service.
//
// Requests are executed by a Client, a resilient HTTP client configured with
// functional options:
//
//	client := odata.New(
//	    odata.WithBaseURL("https://services.example.com/odata"),
//	    odata.WithMaxRetries(3),
//	    odata.WithRateLimiter(10, time.Second),
//	    odata.WithCache(5*time.Minute),
//	    odata.WithCircuitBreaker(odata.CircuitBreakerConfig{}),
//	)
//
//	resp, err := odata.Get[Product](client, "Products").
//	    Select("Id", "Name").
//	    Filter("Price gt 10").
//	    OrderBy("Name", "asc").
//	    Top(20).
//	    Execute(ctx)
//	if err != nil {
//	    return err
//	}
//	products, err := resp.Value()
//
// Retries are off unless WithMaxRetries or WithRetryPolicy is given.
// Cancel aborts an in-flight Execute with a *CancellationError; Clone gives
// an independent copy with its own cancellation. Non-2xx responses surface as
// *TransportError carrying the status and the OData error code.
package odata
