package handler

import "strings"

// sanitizeString 문자열 정리 (XSS 방지)
func sanitizeString(s string) string {
	s = strings.TrimSpace(s)
	// 위험한 문자 제거
	invalidChars := []string{"<", ">", "\""}
	for _, char := range invalidChars {
		s = strings.ReplaceAll(s, char, "")
	}
	return s
}
