package render

import "strings"

// Text-path scoring constants. Three independent signals each contribute a
// bounded sub-score; the sum lands in [0,1].
const (
	fastPathChars     = 1200 // long text with no embedded images short-circuits
	fastPathScore     = 0.95
	lengthTargetChars = 800
	idealWordRatio    = 0.18 // words per character in typical prose

	lengthWeight = 0.40
	blockWeight  = 0.35
	wordWeight   = 0.25
)

// scoreText estimates how trustworthy the machine-extracted text of a page
// is, from its length, the ratio of text blocks to embedded image blocks,
// and the word-to-character shape of the text.
func scoreText(text string, imageBlocks int) float32 {
	trimmed := strings.TrimSpace(text)
	chars := len(trimmed)
	if chars == 0 {
		return 0
	}
	if chars >= fastPathChars && imageBlocks == 0 {
		return fastPathScore
	}

	lengthScore := float32(chars) / lengthTargetChars
	if lengthScore > 1 {
		lengthScore = 1
	}

	textBlocks := countTextBlocks(trimmed)
	var blockScore float32
	if textBlocks+imageBlocks > 0 {
		blockScore = float32(textBlocks) / float32(textBlocks+imageBlocks)
	}

	words := len(strings.Fields(trimmed))
	ratio := float32(words) / float32(chars)
	wordScore := 1 - abs32(ratio-idealWordRatio)/idealWordRatio
	if wordScore < 0 {
		wordScore = 0
	}

	score := lengthScore*lengthWeight + blockScore*blockWeight + wordScore*wordWeight
	if score > 1 {
		score = 1
	}
	return score
}

// countTextBlocks counts paragraph-like runs of non-blank lines.
func countTextBlocks(text string) int {
	blocks := 0
	inBlock := false
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			inBlock = false
			continue
		}
		if !inBlock {
			blocks++
			inBlock = true
		}
	}
	return blocks
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
