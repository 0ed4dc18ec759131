// Package share carries a rendezvous code and peer address out of band as
// a connect link or a QR image.
//
// The link and the image are pure encodings of the same pair and hold no
// protocol state:
//
//	link := share.Link{Code: "482913", PeerAddress: "203.0.113.7:33445"}
//	url := link.URL("https://drop.example/")
//	png, err := share.EncodeQR(url, 256)
//
//	text, err := share.DecodeQR(bytes.NewReader(png))
//	parsed, err := share.ParseLink(text)
package share
