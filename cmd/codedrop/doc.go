// Package main provides the codedrop command-line interface.
//
// The send command shares files under a short rendezvous code, printing the
// code, a connect link and a terminal QR code, and waits until a receiver
// has fetched everything. The receive command takes the code, a link or a
// QR image, saves the files and reports their BLAKE2b checksums. The
// directory command serves the HTTP rendezvous directory that both sides
// reach with -directory.
//
// # Usage
//
//	codedrop [options] send [-qr FILE.png] [-no-qr] FILE...
//	codedrop [options] receive [-out DIR] [-qr IMAGE] [CODE|LINK]
//	codedrop [options] directory [-listen ADDR] [-db PATH] [-ttl DURATION]
//
// # Options
//
//	-config FILE      TOML configuration file
//	-log-level LEVEL  debug, info, warn or error
//	-log-file FILE    append logs to FILE instead of stderr
//	-directory URL    use the HTTP directory at URL
//	-transport KIND   tcp, websocket or memory
//
// Settings not given on the command line come from the configuration file
// and CODEDROP_* environment variables.
//
// # Exit Codes
//
//	0  success
//	1  failure
//	2  invalid command line or configuration
//	3  the transfer ended early (sender went away or receive interrupted)
package main
