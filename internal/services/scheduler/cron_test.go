package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCron(t *testing.T) {
	t.Run("Should prepend seconds to standard expressions", func(t *testing.T) {
		cadences := map[string]struct{ in, want string }{
			"daily briefing":          {"0 9 * * *", "0 0 9 * * *"},
			"weekday mornings":        {"0 9 * * 1-5", "0 0 9 * * 1-5"},
			"weekly review":           {"30 7 * * 1", "0 30 7 * * 1"},
			"monthly outlook":         {"0 9 1 * *", "0 0 9 1 * *"},
			"quarterly outlook":       {"0 9 1 1,4,7,10 *", "0 0 9 1 1,4,7,10 *"},
			"market hours, each 2h":   {"0 9-17/2 * * *", "0 0 9-17/2 * * *"},
			"intraday sweep every 15": {"*/15 * * * *", "0 */15 * * * *"},
		}
		for name, c := range cadences {
			t.Run(name, func(t *testing.T) {
				got, err := normalizeCron(c.in)
				require.NoError(t, err)
				assert.Equal(t, c.want, got)
			})
		}
	})

	t.Run("Should keep valid expressions that already carry seconds", func(t *testing.T) {
		for _, expr := range []string{"0 0 9 * * *", "30 0 2 * * 1", "0 */15 * * * *"} {
			got, err := normalizeCron(expr)
			require.NoError(t, err)
			assert.Equal(t, expr, got)
		}
	})

	t.Run("Should trim surrounding whitespace only", func(t *testing.T) {
		got, err := normalizeCron("  0  9 * * *  ")
		require.NoError(t, err)
		assert.Equal(t, "0 0  9 * * *", got)
	})

	t.Run("Should reject the wrong number of fields", func(t *testing.T) {
		for _, expr := range []string{"", "*", "0 9 * *", "0 0 9 * * * 2026"} {
			_, err := normalizeCron(expr)
			require.Error(t, err, expr)
			assert.Contains(t, err.Error(), "invalid cron expression")
		}
	})

	t.Run("Should reject out of range values", func(t *testing.T) {
		_, err := normalizeCron("0 25 * * *")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid 5-field cron expression")

		_, err = normalizeCron("0 0 25 * * *")
		assert.Error(t, err)
	})
}
