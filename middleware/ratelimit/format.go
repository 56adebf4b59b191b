// utilitário pequeno para formatação consistente de valores em headers e no corpo do 429.

package ratelimit

import "strconv"

func formatInt(v int) string { return strconv.Itoa(v) }

// formatRetryAfter produz o texto "<N> seconds" do campo retryAfter.
func formatRetryAfter(seconds int) string {
	return strconv.Itoa(seconds) + " seconds"
}
