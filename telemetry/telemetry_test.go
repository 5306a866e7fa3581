package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/telemetryrelay/errors"
)

func sampleData() *Data {
	d := NewData(2, 3)
	d.EpochNanos = 1_000
	for i := 0; i < 3; i++ {
		d.TimestampsNanos[i] = int64(i) * 10_000_000
		d.Parameters[0].Values[i] = float64(i)
		d.Parameters[0].Statuses[i] = StatusSample
		d.Parameters[1].Values[i] = float64(i) * 10
		d.Parameters[1].Statuses[i] = StatusSample
	}
	return d
}

func TestDataStatus(t *testing.T) {
	s := StatusSample | StatusOutOfRange
	assert.True(t, s.Has(StatusSample))
	assert.False(t, s.Has(StatusMissing))
	assert.Equal(t, "sample|out_of_range", s.String())
	assert.Equal(t, "none", DataStatus(0).String())
}

func TestData_Validate(t *testing.T) {
	d := sampleData()
	require.NoError(t, d.Validate(2))
	assert.Equal(t, int64(1_000+20_000_000), d.AbsoluteNanos(2))

	err := d.Validate(3)
	assert.ErrorIs(t, err, errors.ErrSchemaMismatch)
	assert.True(t, errors.IsFatal(err))

	ragged := sampleData()
	ragged.Parameters[1].Statuses = ragged.Parameters[1].Statuses[:2]
	assert.ErrorIs(t, ragged.Validate(2), errors.ErrInvalidData)

	unordered := sampleData()
	unordered.TimestampsNanos[2] = unordered.TimestampsNanos[1]
	assert.ErrorIs(t, unordered.Validate(2), errors.ErrInvalidData)

	var nilData *Data
	assert.ErrorIs(t, nilData.Validate(1), errors.ErrInvalidData)
}

func TestData_CloneIsDeep(t *testing.T) {
	d := sampleData()
	c := d.Clone()
	c.Parameters[0].Values[0] = 99
	c.TimestampsNanos[0] = 5

	assert.Equal(t, 0.0, d.Parameters[0].Values[0])
	assert.Equal(t, int64(0), d.TimestampsNanos[0])
}

func TestData_SelectAndSlice(t *testing.T) {
	d := sampleData()

	sel := d.Select([]int{1, 0})
	assert.Equal(t, d.Parameters[1].Values, sel.Parameters[0].Values)
	assert.Equal(t, d.Parameters[0].Values, sel.Parameters[1].Values)

	sl := d.Slice(1, 3)
	assert.Equal(t, 2, sl.Len())
	assert.Equal(t, []float64{10, 20}, sl.Parameters[1].Values)
	require.NoError(t, sl.Validate(2))
}

func TestSamples_Validate(t *testing.T) {
	s := NewSamples()
	s.Add("vCar:Chassis", 0, 100, 1.5)
	s.Add("vCar:Chassis", 0, 250, 1.7)
	require.NoError(t, s.Validate([]string{"vCar:Chassis"}))
	assert.Len(t, s.Parameters["vCar:Chassis"].Values, 2)

	assert.ErrorIs(t, s.Validate([]string{"other"}), errors.ErrSchemaMismatch)

	s.Parameters["vCar:Chassis"].Values = s.Parameters["vCar:Chassis"].Values[:1]
	assert.ErrorIs(t, s.Validate([]string{"vCar:Chassis"}), errors.ErrInvalidData)
}

func TestEvent_Validate(t *testing.T) {
	assert.NoError(t, (&Event{ID: "State"}).Validate())
	assert.ErrorIs(t, (&Event{}).Validate(), errors.ErrInvalidData)
}

func TestTimeHelpers(t *testing.T) {
	ts := time.Date(2024, 5, 1, 13, 30, 0, 500, time.UTC)
	epoch, offset := EpochOfDay(ts)

	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).UnixNano(), epoch)
	assert.Equal(t, (13*time.Hour + 30*time.Minute + 500).Nanoseconds(), offset)
	assert.Equal(t, ts, FromNanos(Nanos(ts)))
	assert.Equal(t, int64(10_000_000), IntervalNanos(100))
	assert.Equal(t, int64(0), IntervalNanos(0))
}
