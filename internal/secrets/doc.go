// Package secrets redacts credentials from generated artifacts before they
// are embedded and stored as patterns. Detection is rule based: each rule is
// a regular expression, optionally gated on keywords appearing anywhere in
// the text.
package secrets
