package detect

import "strings"

// tesseractCodes maps the short language identifiers used on the command line
// to Tesseract traineddata names.
var tesseractCodes = map[string]string{
	"ko":     "kor",
	"en":     "eng",
	"ja":     "jpn",
	"ch_sim": "chi_sim",
	"ch_tra": "chi_tra",
	"de":     "deu",
	"fr":     "fra",
	"es":     "spa",
}

// TesseractLanguages converts identifiers like "ko" to "kor". Identifiers that
// are already Tesseract names pass through unchanged. Duplicates and blanks are
// dropped.
func TesseractLanguages(langs []string) []string {
	out := make([]string, 0, len(langs))
	seen := make(map[string]bool, len(langs))
	for _, l := range langs {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		if code, ok := tesseractCodes[l]; ok {
			l = code
		}
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
