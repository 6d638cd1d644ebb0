// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtp

import "time"

// ntpEpochOffset is the seconds between the NTP epoch (1900) and the Unix
// epoch (1970).
const ntpEpochOffset = 2208988800

// NTPTimestamp converts wall time to the 32.32 fixed point NTP format used
// in sender reports.
func NTPTimestamp(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}

// NTPToTime converts a 32.32 NTP timestamp back to wall time.
func NTPToTime(ntp uint64) time.Time {
	secs := int64(ntp>>32) - ntpEpochOffset
	nsec := int64((ntp & 0xFFFFFFFF) * 1e9 >> 32)
	return time.Unix(secs, nsec)
}
