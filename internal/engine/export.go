package engine

// ExportFunc is one of the size-then-fill export calls.
type ExportFunc func(buf []byte) (int, Status)

// Export runs the two-call pattern of fn. It returns nil and the failing
// status when either call fails.
func Export(fn ExportFunc) ([]byte, Status) {
	n, status := fn(nil)
	if status.Ok() && n == 0 {
		return []byte{}, OK
	}
	if !status.Ok() && status != BufferTooSmall {
		return nil, status
	}
	buf := make([]byte, n)
	n, status = fn(buf)
	if !status.Ok() {
		return nil, status
	}
	return buf[:n], OK
}

// Filters runs the two-call pattern of GetFilters.
func Filters(e Engine, app Handle) ([]Filter, Status) {
	n, status := e.GetFilters(app, nil)
	if status != BufferTooSmall {
		if status.Ok() {
			return nil, OK
		}
		return nil, status
	}
	buf := make([]Filter, n)
	n, status = e.GetFilters(app, buf)
	if !status.Ok() {
		return nil, status
	}
	return buf[:n], OK
}

// FilterBytes flattens filters into the layout delivered with a FILTERS
// key message.
func FilterBytes(filters []Filter) []byte {
	b := make([]byte, 0, len(filters)*FilterSize)
	for i := range filters {
		b = append(b, filters[i][:]...)
	}
	return b
}
