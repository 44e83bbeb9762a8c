package harvest

// Window returns the page size for the request at offset: the chunk size,
// clipped to what remains of the server count and of the ceiling. Zero
// means nothing is left to request.
func Window(offset, chunk, count, ceiling int) int {
	w := chunk
	if remaining := ceiling - offset; remaining < w {
		w = remaining
	}
	if remaining := count - offset; remaining < w {
		w = remaining
	}
	if w < 0 {
		return 0
	}
	return w
}
