// Package shared holds helpers used across bybx packages that belong to no
// single domain. Today that is the testutil subpackage: a capturing slog
// handler and the canonical license fixtures used by tests.
package shared
