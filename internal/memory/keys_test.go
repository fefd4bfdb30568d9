package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractKeys(t *testing.T) {
	keys := ExtractKeys("Review the Acme launch plan with the acme team before Friday", 0)
	require.Equal(t, []string{"review", "acme", "launch", "plan", "team", "friday"}, keys)
}

func TestExtractKeysDropsShortWordsAndStopwords(t *testing.T) {
	keys := ExtractKeys("this is about them and their cat", 0)
	require.Empty(t, keys)
}

func TestExtractKeysMax(t *testing.T) {
	keys := ExtractKeys("alpha bravo charlie delta echo", 3)
	require.Equal(t, []string{"alpha", "bravo", "charlie"}, keys)
}

func TestExtractKeysHyphensAndDigits(t *testing.T) {
	keys := ExtractKeys("check run-2026 and q3-report status", 0)
	require.Equal(t, []string{"check", "run-2026", "q3-report", "status"}, keys)
}
