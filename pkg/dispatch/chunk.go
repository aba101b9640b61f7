package dispatch

// chunk is one ordered, contiguous batch of work items: the unit of work
// handed to one operation invocation. Index is the chunk's position in
// submission order; concatenating chunk outputs by Index reconstructs the
// input order regardless of completion order.
type chunk struct {
	Index int           `json:"index"`
	Items []interface{} `json:"items"`
}

// makeChunks groups items into chunks of at most size items, preserving
// order. A size below one is treated as one item per chunk.
func makeChunks(items []interface{}, size int) []chunk {
	if size < 1 {
		size = 1
	}
	chunks := make([]chunk, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, chunk{Index: len(chunks), Items: items[start:end]})
	}
	return chunks
}
