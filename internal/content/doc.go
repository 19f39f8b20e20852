// Package content normalizes retrieved documents into flattened text and
// markdown, and derives the digest, counts and language used downstream.
//
// The text form is whitespace collapsed so that running Normalize on its own
// text output returns the same text; the digest is computed over that text,
// so markup or whitespace noise never changes it.
package content
