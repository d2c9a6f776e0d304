package retrieval

import "strings"

// Section is one named slice of source text, typically a chapter.
type Section struct {
	Name string
	Text string
}

// SplitSections cuts section text into fixed-size rune windows with overlap.
// Sections never bleed into each other so every chunk carries one section name.
func SplitSections(sections []Section, chunkSize, overlap int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}

	var (
		chunks []Chunk
		seq    int
	)
	for _, sec := range sections {
		runes := []rune(strings.TrimSpace(sec.Text))
		if len(runes) == 0 {
			continue
		}

		step := chunkSize - overlap
		for start := 0; start < len(runes); start += step {
			end := start + chunkSize
			if end > len(runes) {
				end = len(runes)
			}
			content := strings.TrimSpace(string(runes[start:end]))
			if content != "" {
				chunks = append(chunks, Chunk{
					Seq:     seq,
					Content: content,
					Section: sec.Name,
				})
				seq++
			}
			if end == len(runes) {
				break
			}
		}
	}
	return chunks
}
