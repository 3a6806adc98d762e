// Package chunk splits message text at the transport's size limit.
package chunk

// Split cuts text into ordered non-overlapping segments of at most capacity
// runes each; every segment except possibly the last is exactly capacity
// runes long. Concatenating the result reproduces text. Splitting on runes
// keeps multi-byte characters intact.
func Split(text string, capacity int) []string {
	if capacity <= 0 {
		return nil
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	chunks := make([]string, 0, (len(runes)+capacity-1)/capacity)
	for i := 0; i < len(runes); i += capacity {
		end := i + capacity
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// Count returns the number of segments Split would produce.
func Count(text string, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	n := len([]rune(text))
	return (n + capacity - 1) / capacity
}
