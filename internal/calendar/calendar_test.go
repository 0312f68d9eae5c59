package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nyseConfig() Config {
	return Config{
		ExchangeCode: "XNYS",
		Location:     time.UTC,
		OpenLocal:    "09:30",
		CloseLocal:   "16:00",
		Holidays: []HolidayRule{
			FixedDate(time.January, 1),
			FixedDate(time.July, 4),
			FixedDate(time.December, 25),
			EasterBased(-2), // Good Friday
		},
	}
}

func TestIsTradingDay_Weekend(t *testing.T) {
	cal := New(nyseConfig(), nil)
	saturday := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, cal.IsTradingDay(saturday))
}

func TestIsTradingDay_Holiday(t *testing.T) {
	cal := New(nyseConfig(), nil)
	july4 := time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC) // Saturday in 2026, but also fixed-date holiday
	assert.False(t, cal.IsTradingDay(july4))

	christmas := time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC)
	assert.False(t, cal.IsTradingDay(christmas))
}

func TestIsTradingDay_OrdinaryWeekday(t *testing.T) {
	cal := New(nyseConfig(), nil)
	tuesday := time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC)
	assert.True(t, cal.IsTradingDay(tuesday))
}

func TestPreviousTradingDay_SkipsWeekend(t *testing.T) {
	cal := New(nyseConfig(), nil)
	monday := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	prev := cal.PreviousTradingDay(monday)
	assert.Equal(t, time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), prev)
}

func TestTradingDaysInRange_EmptyWhenInverted(t *testing.T) {
	cal := New(nyseConfig(), nil)
	start := time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	days := cal.TradingDaysInRange(start, end)
	assert.Empty(t, days)
}

func TestTradingDaysInRange_AscendingInclusive(t *testing.T) {
	cal := New(nyseConfig(), nil)
	start := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC) // Monday
	end := time.Date(2026, 8, 7, 0, 0, 0, 0, time.UTC)   // Friday
	days := cal.TradingDaysInRange(start, end)
	require.Len(t, days, 5)
	assert.True(t, days[0].Equal(start))
	assert.True(t, days[len(days)-1].Equal(end))
}

func TestIsMarketOpenNow(t *testing.T) {
	cal := New(nyseConfig(), nil)
	tuesdayNoon := time.Date(2026, 8, 4, 12, 0, 0, 0, time.UTC)
	assert.True(t, cal.IsMarketOpenNow(tuesdayNoon))

	tuesdayMidnight := time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC)
	assert.False(t, cal.IsMarketOpenNow(tuesdayMidnight))
}

func TestIsTradingDay_NoHolidaysConfigured_WarnsOnce(t *testing.T) {
	warnings := 0
	cal := New(Config{ExchangeCode: "TEST", Location: time.UTC}, func(string) { warnings++ })
	tuesday := time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC)
	assert.True(t, cal.IsTradingDay(tuesday))
	assert.True(t, cal.IsTradingDay(tuesday))
	assert.Equal(t, 1, warnings)
}
