package piecebuffer

// Range is a half-open byte range [start, stop) over a buffer's logical content.
// Either bound may be left open; the step is always 1.
//
// Resolution against a length n:
//   - open stop, or stop > n, resolves to n
//   - negative stop resolves to stop+n, clamped at 0
//   - open start resolves to 0
//   - negative start resolves to start+n, clamped at 0
//   - start >= stop yields an empty range
type Range struct {
	start, stop       int
	hasStart, hasStop bool
}

// All is the range covering the whole logical content
func All() Range {
	return Range{}
}

// From is the range [i, end)
func From(i int) Range {
	return Range{start: i, hasStart: true}
}

// To is the range [0, j)
func To(j int) Range {
	return Range{stop: j, hasStop: true}
}

// Between is the range [i, j)
func Between(i, j int) Range {
	return Range{start: i, stop: j, hasStart: true, hasStop: true}
}

// resolve maps the range onto concrete indexes 0 <= lo <= hi <= n
func (r Range) resolve(n int) (lo, hi int) {
	hi = n
	if r.hasStop {
		hi = r.stop
		if hi > n {
			hi = n
		}
		if hi < 0 {
			hi += n
			if hi < 0 {
				hi = 0
			}
		}
	}
	if r.hasStart {
		lo = r.start
		if lo < 0 {
			lo += n
			if lo < 0 {
				lo = 0
			}
		}
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}
