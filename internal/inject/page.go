package inject

import (
	"context"

	"github.com/sunbk201/tunnelgate/internal/beacon"
)

// Page is the document scripts are delivered into.
type Page interface {
	// Evaluate runs body as a function body in the page's global scope.
	Evaluate(ctx context.Context, body string) error
	// InlineScript appends a script element with body as its text.
	InlineScript(ctx context.Context, body string) error
	// AppendScript appends a script element loading src to the head.
	AppendScript(ctx context.Context, src string) error
	// WaitPointerDown blocks until the next pointer-down anywhere in the
	// document. The listener is removed before it returns.
	WaitPointerDown(ctx context.Context) error
	// Mount returns where beacon probes are attached, or nil when selector
	// is empty.
	Mount(selector string) beacon.Mount
}
