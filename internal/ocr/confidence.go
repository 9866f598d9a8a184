package ocr

import (
	"regexp"
	"strings"
)

var (
	reDate    = regexp.MustCompile(`\b(19|20)\d{2}[-/.](0?[1-9]|1[0-2])[-/.]\d{1,2}\b|\b\d{1,2}[-/.]\d{1,2}[-/.](19|20)\d{2}\b`)
	reUnit    = regexp.MustCompile(`\b\d+(\.\d+)?\s?(mg|mcg|ml|mmol/l|mg/dl|g/dl|iu|units?|%)\b`)
	reClinic  = regexp.MustCompile(`\b(patient|diagnosis|prescription|rx|dr\.?|physician|hospital|clinic|lab|report|result|dose|tablet|capsule)\b`)
	reRefLike = regexp.MustCompile(`\b\d+(\.\d+)?\s?-\s?\d+(\.\d+)?\b`)
)

// heuristicConfidence scores decoded text by how much it looks like a medical document.
func heuristicConfidence(txt string) float32 {
	l := strings.ToLower(txt)
	score := float32(0.2)
	if reDate.MatchString(l) {
		score += 0.15
	}
	if reUnit.MatchString(l) {
		score += 0.2
	}
	if reClinic.MatchString(l) {
		score += 0.2
	}
	if reRefLike.MatchString(l) {
		score += 0.1
	}
	if len(txt) > 200 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// blendConfidence weights engine confidence over the heuristic when present.
func blendConfidence(engine, heuristic float32) float32 {
	if engine <= 0 {
		return heuristic
	}
	c := 0.7*engine + 0.3*heuristic
	if c > 1 {
		c = 1
	}
	return c
}
