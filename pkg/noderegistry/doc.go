// Package noderegistry keeps one live connection per remote node name.
//
// Connections are created lazily through a caller-supplied CreateFunc, so the
// registry knows nothing about SSH, WinRM or any other transport:
//
//	reg := noderegistry.New[*sshconn.Client](noderegistry.WithLogger(logger))
//	defer reg.Close()
//
//	client, err := reg.GetOrCreate(ctx, "node-1", cfg, runID, dialer.Create)
//	if err != nil {
//	    var cerr *noderegistry.ConnectionCreationError
//	    errors.As(err, &cerr) // cerr.Name == "node-1"
//	}
//
// For a given name the CreateFunc runs at most once at a time. Callers racing
// on the same name wait for that single attempt and share its outcome. Callers
// for different names never wait on each other. A caller whose ctx ends stops
// waiting without failing the attempt for the rest. A failed attempt leaves no
// entry behind, so the next GetOrCreate tries again.
//
// The registry does not close connections on Remove. Close, Evict and EvictIf
// close entries that implement io.Closer.
package noderegistry
