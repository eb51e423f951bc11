package types

import (
	"encoding/json"
	"math"
	"time"

	buserr "github.com/rosbus/rosbus-go/pkg/errors"
)

// Time matches the bus's integral time representation: seconds and
// nanoseconds since the unix epoch, both signed 32-bit.
//
// The newer protocol generation renamed the wire fields to "sec" and
// "nanosec"; both spellings are accepted on decode, the legacy names are
// emitted on encode. Nsecs outside [0, 1e9) is carried literally and never
// normalized here; normalization is the producer's responsibility.
type Time struct {
	Secs  int32 `json:"secs"`
	Nsecs int32 `json:"nsecs"`
}

// Duration matches the bus's integral duration representation. As with Time,
// Nsec is carried literally and never normalized.
type Duration struct {
	Sec  int32 `json:"sec"`
	Nsec int32 `json:"nsec"`
}

// UnmarshalJSON accepts both the legacy field names (secs/nsecs) and the
// newer generation's names (sec/nanosec).
func (t *Time) UnmarshalJSON(data []byte) error {
	var raw struct {
		Secs    *int32 `json:"secs"`
		Nsecs   *int32 `json:"nsecs"`
		Sec     *int32 `json:"sec"`
		Nanosec *int32 `json:"nanosec"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Secs != nil:
		t.Secs = *raw.Secs
	case raw.Sec != nil:
		t.Secs = *raw.Sec
	}
	switch {
	case raw.Nsecs != nil:
		t.Nsecs = *raw.Nsecs
	case raw.Nanosec != nil:
		t.Nsecs = *raw.Nanosec
	}
	return nil
}

// ToTime converts a bus Time to a host absolute time.
//
// The conversion adopts a strict policy: any negative component is rejected
// rather than reinterpreted or normalized. Negative time components have no
// agreed meaning on the bus, so no conversion is attempted for them. Nsecs of 1e9 or more is accepted and carried into the
// host representation arithmetically.
func (t Time) ToTime() (time.Time, error) {
	if t.Secs < 0 {
		return time.Time{}, buserr.ConversionError(buserr.CodeSecondsOutOfRange, "secs",
			"cannot convert time with negative seconds: %d", t.Secs)
	}
	if t.Nsecs < 0 {
		return time.Time{}, buserr.ConversionError(buserr.CodeNanosOutOfRange, "nsecs",
			"cannot convert time with negative nanoseconds: %d", t.Nsecs)
	}
	return time.Unix(int64(t.Secs), int64(t.Nsecs)).UTC(), nil
}

// TimeFrom converts a host absolute time to a bus Time.
//
// The whole seconds since the epoch must fit in 32 bits; they stop fitting
// early in 2038. Sub-second nanoseconds are in [0, 1e9) by construction and
// always fit. Times before the epoch are rejected under the same strict
// negative policy as ToTime.
func TimeFrom(t time.Time) (Time, error) {
	secs := t.Unix()
	if secs < 0 {
		return Time{}, buserr.ConversionError(buserr.CodeSecondsOutOfRange, "secs",
			"cannot convert time before the unix epoch: %v", t)
	}
	if secs > math.MaxInt32 {
		return Time{}, buserr.ConversionError(buserr.CodeSecondsOutOfRange, "secs",
			"seconds since epoch %d overflow int32", secs)
	}
	return Time{Secs: int32(secs), Nsecs: int32(t.Nanosecond())}, nil
}

// ToDuration converts a bus Duration to a host duration. Negative components
// are rejected unconditionally.
func (d Duration) ToDuration() (time.Duration, error) {
	if d.Sec < 0 {
		return 0, buserr.ConversionError(buserr.CodeSecondsOutOfRange, "sec",
			"cannot convert duration with negative seconds: %d", d.Sec)
	}
	if d.Nsec < 0 {
		return 0, buserr.ConversionError(buserr.CodeNanosOutOfRange, "nsec",
			"cannot convert duration with negative nanoseconds: %d", d.Nsec)
	}
	secs := int64(d.Sec) * int64(time.Second)
	total := secs + int64(d.Nsec)
	if total < secs {
		return 0, buserr.ConversionError(buserr.CodeTimeOverflow, "nsec",
			"combining seconds and nanoseconds overflowed")
	}
	return time.Duration(total), nil
}

// DurationFrom converts a host duration to a bus Duration. The host type
// carries 64-bit seconds, so the downcast to 32 bits must be guarded in
// addition to the usual negative rejection.
func DurationFrom(d time.Duration) (Duration, error) {
	if d < 0 {
		return Duration{}, buserr.ConversionError(buserr.CodeSecondsOutOfRange, "sec",
			"cannot convert negative duration: %v", d)
	}
	secs := int64(d / time.Second)
	if secs > math.MaxInt32 {
		return Duration{}, buserr.ConversionError(buserr.CodeSecondsOutOfRange, "sec",
			"duration seconds %d overflow int32", secs)
	}
	return Duration{Sec: int32(secs), Nsec: int32(d % time.Second)}, nil
}

// TypeName implements Message. Time is itself a message type in the newer
// protocol generation.
func (Time) TypeName() string { return "builtin_interfaces/Time" }

// MD5Sum implements Message.
func (Time) MD5Sum() string { return "" }

// Definition implements Message.
func (Time) Definition() string { return "" }
