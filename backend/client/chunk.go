package client

// chunkKeys splits a key list into batches of at most size keys so a
// single subscribe frame stays under the server's read limit. A size
// below one is treated as one.
func chunkKeys(keys []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	if len(keys) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[start:end])
	}
	return chunks
}
