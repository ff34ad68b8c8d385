package probe

import (
	_ "embed"
)

// Embedded page scripts. Each evaluates to a single JSON-serializable value
// (or a promise of one) and never throws; failures are reported in the
// returned object's error field.

//go:embed scripts/auth.js
var authSource string

//go:embed scripts/ready.js
var readySource string

//go:embed scripts/count.js
var countSource string

//go:embed scripts/inspect.js
var inspectSource string

//go:embed scripts/permission_query.js
var permissionQuerySource string

//go:embed scripts/permission_request.js
var permissionRequestSource string
