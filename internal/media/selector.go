package media

import "strconv"

const (
	// VideoContainer is the only container offered as a video choice.
	VideoContainer = "mp4"
	// BestFormatID asks the provider for its best single-file format.
	BestFormatID = "best"
	// BestLabel captions the fallback choice.
	BestLabel = "Best available"
)

// Choice is one quality option shown to the user.
type Choice struct {
	Label    string
	FormatID string
}

// Best is the fallback choice used when nothing else qualifies.
var Best = Choice{Label: BestLabel, FormatID: BestFormatID}

// Select reduces encodings to the quality choices for t. Video choices are
// mp4 encodings with a known height, deduplicated by height in source order.
// Audio and thumbnail downloads use a fixed strategy, so they always get the
// single Best choice, as does a video with no qualifying encodings.
func Select(encodings []Encoding, t Type) []Choice {
	if t != Video {
		return []Choice{Best}
	}
	var choices []Choice
	seen := make(map[int]bool)
	for _, e := range encodings {
		if !e.HasVideo || e.Container != VideoContainer || e.Height == nil {
			continue
		}
		h := *e.Height
		if seen[h] {
			continue
		}
		seen[h] = true
		choices = append(choices, Choice{Label: strconv.Itoa(h) + "p", FormatID: e.FormatID})
	}
	if len(choices) == 0 {
		return []Choice{Best}
	}
	return choices
}

// Rows chunks choices into rows of at most size, keeping order.
func Rows(choices []Choice, size int) [][]Choice {
	if size <= 0 {
		size = 3
	}
	var rows [][]Choice
	for start := 0; start < len(choices); start += size {
		end := min(start+size, len(choices))
		rows = append(rows, choices[start:end])
	}
	return rows
}
