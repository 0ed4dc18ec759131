// Package code generates and validates the short rendezvous codes a sender
// displays and a receiver types in.
//
// # Overview
//
// A rendezvous code is a lookup key into the rendezvous directory, not a
// secret. Two alphabets are supported:
//
//   - Numeric: digits only, suited to QR connect links and numeric keypads
//   - Base36: digits and upper-case letters, suited to link-only sharing
//
// The alphabets are not interchangeable. A receiving UI filters keystrokes
// to one alphabet, so the generator and the validator must agree.
//
//	gen, err := code.NewGenerator(code.Numeric, code.DefaultLength)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c, err := gen.Generate() // e.g. "482913"
//
// # Normalisation
//
// Normalize mirrors the receiving side's input filter: it upper-cases the
// input and drops every character outside the alphabet, so " 48-29 13 "
// becomes "482913" for the numeric alphabet.
//
// # Collisions
//
// The generator makes no uniqueness guarantee. A six character code has at
// least 10^6 distinct values which keeps accidental collisions rare for the
// expected number of live sessions; resolving collisions is left to the
// directory (last writer wins).
package code
