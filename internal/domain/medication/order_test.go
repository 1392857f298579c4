package medication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carehome/medround/internal/schedule"
)

func validOrder() *Order {
	return &Order{
		ID:             "order-1",
		ResidentID:     "resident-1",
		MedicationName: "Paracetamol 500mg",
		ScheduleType:   ScheduleScheduled,
		Frequency:      FrequencyThreeTimesDaily,
		Times:          []string{"08:00", "14:00", "22:00"},
		StartDate:      time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		Status:         StatusActive,
	}
}

func TestOrder_Validate(t *testing.T) {
	require.NoError(t, validOrder().Validate())

	prn := validOrder()
	prn.ScheduleType = SchedulePRN
	prn.Frequency = FrequencyAsNeeded
	prn.Times = nil
	assert.NoError(t, prn.Validate(), "prn orders need no times")

	prn.Times = []string{"when required", "max 4 in 24h"}
	assert.NoError(t, prn.Validate(), "prn times are free text")

	tests := []struct {
		name   string
		mutate func(o *Order)
		want   string
	}{
		{"missing times", func(o *Order) { o.Times = []string{} }, "requires at least one time"},
		{"invalid time", func(o *Order) { o.Times = []string{"08:00", "25:00"} }, "invalid clock time"},
		{"unknown frequency", func(o *Order) { o.Frequency = "hourly" }, "Frequency"},
		{"unknown status", func(o *Order) { o.Status = "paused" }, "Status"},
		{"missing resident", func(o *Order) { o.ResidentID = "" }, "ResidentID is required"},
		{"missing start", func(o *Order) { o.StartDate = time.Time{} }, "StartDate is required"},
		{"as needed but scheduled", func(o *Order) { o.Frequency = FrequencyAsNeeded }, "as-needed frequency"},
		{"end before start", func(o *Order) {
			end := o.StartDate.Add(-24 * time.Hour)
			o.EndDate = &end
		}, "end date is before start date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOrder()
			tt.mutate(o)

			err := o.Validate()
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOrder_StatusTransitionsAreTerminal(t *testing.T) {
	now := time.Date(2024, time.January, 5, 9, 0, 0, 0, time.UTC)

	o := validOrder()
	require.NoError(t, o.Cancel(now))
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, now, o.UpdatedAt)

	assert.ErrorIs(t, o.Complete(now), ErrInvalidTransition)
	assert.ErrorIs(t, o.Cancel(now), ErrInvalidTransition)

	c := validOrder()
	require.NoError(t, c.Complete(now))
	assert.Equal(t, StatusCompleted, c.Status)
	assert.ErrorIs(t, c.Cancel(now), ErrInvalidTransition)
}

func TestOrder_ValidOn(t *testing.T) {
	o := validOrder()
	o.StartDate = time.Date(2024, time.January, 10, 9, 30, 0, 0, time.UTC)
	end := time.Date(2024, time.January, 12, 18, 0, 0, 0, time.UTC)
	o.EndDate = &end

	assert.False(t, o.ValidOn(schedule.NewDate(2024, time.January, 9), time.UTC))
	assert.True(t, o.ValidOn(schedule.NewDate(2024, time.January, 10), time.UTC))
	assert.True(t, o.ValidOn(schedule.NewDate(2024, time.January, 12), time.UTC))
	assert.False(t, o.ValidOn(schedule.NewDate(2024, time.January, 13), time.UTC))

	o.EndDate = nil
	assert.True(t, o.ValidOn(schedule.NewDate(2030, time.January, 1), time.UTC))
}

func TestOrder_ClockTimesDeduplicatesAndSorts(t *testing.T) {
	o := validOrder()
	o.Times = []string{"22:00", "8:00", "08:00", "14:00", "22:00"}

	clocks, err := o.ClockTimes()
	require.NoError(t, err)

	var got []string
	for _, c := range clocks {
		got = append(got, c.String())
	}
	assert.Equal(t, []string{"08:00", "14:00", "22:00"}, got)
}

func TestOrder_Fingerprint(t *testing.T) {
	a := validOrder()
	b := validOrder()
	b.Times = []string{"22:00", "14:00", "8:00"}
	b.MedicationName = "renamed"
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "order of times and cosmetic fields do not matter")

	c := validOrder()
	c.Times = append(c.Times, "18:00")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	d := validOrder()
	end := d.StartDate.AddDate(0, 1, 0)
	d.EndDate = &end
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}

func TestNewIntakeRecord_DeterministicID(t *testing.T) {
	o := validOrder()
	date := schedule.NewDate(2024, time.January, 15)
	clock := schedule.MustClock("22:00")
	at := date.At(clock, time.UTC)
	now := time.Now()

	r1 := NewIntakeRecord(o, date, clock, at, schedule.ShiftNight, date, now)
	r2 := NewIntakeRecord(o, date, clock, at, schedule.ShiftNight, date, now.Add(time.Hour))

	assert.Equal(t, r1.ID, r2.ID)
	assert.Equal(t, "order-1|2024-01-15|22:00", r1.Key())
	assert.Equal(t, AdministrationPending, r1.Status)
	assert.Equal(t, "resident-1", r1.ResidentID)
}
