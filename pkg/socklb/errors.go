package socklb

import "errors"

// Outcome reasons. Every hook returns one of these (or nil) from its lower
// level function; only ErrAddrInUse, a failed probe registration and a probe
// without registration block the socket call.
var (
	ErrNotApplicable       = errors.New("not applicable")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrNoService           = errors.New("no service")
	ErrPermission          = errors.New("translation not permitted")
	ErrNoBackendSlot       = errors.New("no backend slot")
	ErrNoBackend           = errors.New("no backend")
	ErrLoopbackRedirect    = errors.New("local redirect would loop back")
	ErrOutOfResources      = errors.New("out of resources")
	ErrStale               = errors.New("stale reverse translation")
	ErrAddrInUse           = errors.New("address in use by service")
	ErrNoReverseEntry      = errors.New("no reverse translation")
	ErrNoHealthProbe       = errors.New("no health probe registration")
)

var reasonLabels = []struct {
	err   error
	label string
}{
	{ErrNotApplicable, "not_applicable"},
	{ErrUnsupportedProtocol, "unsupported_protocol"},
	{ErrNoService, "no_service"},
	{ErrPermission, "permission"},
	{ErrNoBackendSlot, "no_backend_slot"},
	{ErrNoBackend, "no_backend"},
	{ErrLoopbackRedirect, "loopback_redirect"},
	{ErrOutOfResources, "out_of_resources"},
	{ErrStale, "stale"},
	{ErrAddrInUse, "addr_in_use"},
	{ErrNoReverseEntry, "no_reverse_entry"},
	{ErrNoHealthProbe, "no_health_probe"},
}

// Reason returns the metrics label of an outcome.
func Reason(err error) string {
	if err == nil {
		return "translated"
	}
	for _, r := range reasonLabels {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "unknown"
}
