// Package sftpclient is the load-testing SFTP client behind the k6/x/sftp
// extension.
//
// This package provides:
//   - SSH transport with password, private key and certificate authentication
//   - One SFTP session per Client, with operations serialized on it
//   - Chunked upload and download with exact acknowledged byte counts
//   - A single automatic session reconnect after a connection error
//   - Result values that never abort the caller on remote or network failures
//
// # Basic Usage
//
// Connect and upload a file:
//
//	client, err := sftpclient.Dial(ctx, sftpclient.Config{
//		Host:     "localhost",
//		Port:     3322,
//		User:     "user",
//		Password: "pwd",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	r := client.UploadFile(ctx, "./utf-8.txt", "/wwwroot/utf-8.txt")
//	if !r.Success {
//		log.Printf("upload failed (%s): %s", r.Kind, r.Message)
//	}
//
// # Results
//
// Every operation returns a Result. Failures are classified into a closed
// set of ErrorKind values; deleting or downloading a missing path yields
// KindNotFound, not an error return:
//
//	if r := client.DeleteFile(ctx, "/wwwroot/gone.txt"); r.Kind == sftpclient.KindNotFound {
//		// expected in cleanup steps
//	}
//
// # Lifecycle
//
// A Client moves from StateCreated to StateConnected to StateClosed. Close is
// idempotent and waits for a running operation before releasing the
// connection. Operations on a closed client fail with ErrClosedClient
// without touching the network.
//
// A Registry tracks connected clients so a test run can close whatever is
// left in teardown:
//
//	reg := sftpclient.NewRegistry()
//	client, _ := sftpclient.Dial(ctx, config, sftpclient.WithRegistry(reg))
//	...
//	_ = reg.CloseAll()
package sftpclient
