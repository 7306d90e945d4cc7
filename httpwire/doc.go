// Package httpwire is a low-level HTTP/1.1 connection engine with both
// server (bind/accept) and client (connect/request) roles over plain
// and TLS transports.
//
// Its focus is the connection layer: per-connection lifecycle, lazy
// backpressured entity streaming for request and response bodies,
// idle and request timeout supervision, and a client-side connection
// pool with bounded per-host concurrency and FIFO queueing. Routing,
// caching, compression and HTTP/2 are out of scope.
//
// Everything hangs off an explicit Engine created by the caller:
//
//	eng := httpwire.New(httpwire.Settings{})
//	defer eng.Close()
//
//	b, err := eng.Bind("127.0.0.1", 8080, nil, httpwire.ServerSettings{},
//	    httpwire.HandlerFunc(func(w httpwire.ResponseWriter, r *httpwire.Request) {
//	        w.WriteHeader(200)
//	        w.Write([]byte("hello"))
//	    }))
//	if err != nil { log.Fatal(err) }
//	defer b.Unbind(context.Background())
//
// Client side, one pooled exchange:
//
//	req, _ := httpwire.NewRequest("GET", "http://127.0.0.1:8080/", nil)
//	res, err := eng.SingleRequest(context.Background(), req)
//	if err != nil { log.Fatal(err) }
//	defer res.Body.Close()
//	body, _ := io.ReadAll(res.Body)
//
// Failures carry a Kind (bind, connection, tls, idle-timeout,
// request-timeout, malformed, entity-consumed, pool-closed) so callers
// can branch retry behavior with errors.Is against the exported
// sentinels.
package httpwire
