package puppet

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/lumeno/telebridge/internal/remote"
)

// Displayname preference kinds accepted in the configured preference list.
const (
	PreferencePhoneNumber      = "phone number"
	PreferenceUsername         = "username"
	PreferenceFullName         = "full name"
	PreferenceFullNameReversed = "full name reversed"
	PreferenceFirstName        = "first name"
	PreferenceLastName         = "last name"
)

// nameEdgeCutset contains the whitespace and invisible characters stripped
// from both ends of a name fragment before use.
// Zero-width joiner and non-joiner are deliberately absent: they carry
// meaning in some scripts and survive normalization even at the edges.
const nameEdgeCutset = "\t\n\r\v\f  ͏᠎⁣  ⠀　ㅤ\uFEFF  " +
	"         ​‎‏" +
	"️"

// FilterName normalizes a raw name fragment: edge whitespace and invisibles
// are trimmed, then format control characters are dropped. Zero-width joiner
// and non-joiner survive the filter because they are semantically significant
// in some scripts.
func FilterName(name string) string {
	if name == "" {
		return ""
	}
	trimmed := strings.Trim(name, nameEdgeCutset)
	var builder strings.Builder
	builder.Grow(len(trimmed))
	for _, r := range trimmed {
		if unicode.Is(unicode.Cf, r) && r != '‍' && r != '‌' {
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

// ResolveDisplayname ranks the profile's name fragments against the ordered
// preference list and returns the chosen plain name with its quality score.
// Quality starts at 99 and loses one point per skipped empty preference.
// Deleted accounts always resolve to "Deleted account <id>" at quality 99; a
// profile with no usable fragment falls back to the stringified account id at
// quality 0.
func ResolveDisplayname(profile remote.Profile, preferences []string) (string, int) {
	firstName := FilterName(profile.FirstName)
	lastName := FilterName(profile.LastName)
	candidates := map[string]string{
		PreferencePhoneNumber:      profile.Phone,
		PreferenceUsername:         profile.Username,
		PreferenceFullName:         strings.TrimSpace(firstName + " " + lastName),
		PreferenceFullNameReversed: strings.TrimSpace(lastName + " " + firstName),
		PreferenceFirstName:        firstName,
		PreferenceLastName:         lastName,
	}

	name := ""
	quality := maxDisplaynameQuality
	for _, preference := range preferences {
		name = candidates[preference]
		if name != "" {
			break
		}
		quality--
	}

	if profile.Deleted {
		return fmt.Sprintf("Deleted account %d", profile.AccountID), maxDisplaynameQuality
	}
	if name == "" {
		return fmt.Sprintf("%d", profile.AccountID), 0
	}
	return name, quality
}

const maxDisplaynameQuality = 99

// stringSimilarity returns a ratio in [0, 1] based on the longest common
// subsequence of the two strings.
func stringSimilarity(a, b string) float64 {
	left := []rune(a)
	right := []rune(b)
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	// Single-row LCS table over the shorter string.
	if len(right) > len(left) {
		left, right = right, left
	}
	previous := make([]int, len(right)+1)
	current := make([]int, len(right)+1)
	for i := 1; i <= len(left); i++ {
		for j := 1; j <= len(right); j++ {
			if left[i-1] == right[j-1] {
				current[j] = previous[j-1] + 1
			} else {
				current[j] = max(previous[j], current[j-1])
			}
		}
		previous, current = current, previous
	}
	common := previous[len(right)]
	return 2 * float64(common) / float64(len(left)+len(right))
}

// similarityScore converts a best-of ratio to the 0-100 integer scale.
func similarityScore(ratio float64) int {
	return int(math.Round(ratio * 100))
}
