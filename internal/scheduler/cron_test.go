// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"testing"
	"time"
)

func TestParseCron_Valid(t *testing.T) {
	tests := []string{
		"* * * * *",
		"0 * * * *",
		"*/15 * * * *",
		"0 9 * * 1-5",
		"0 0 1 * *",
		"0,30 8-17 * * *",
		"@hourly",
		"@daily",
		"@midnight",
		"@weekly",
		"@monthly",
		"@yearly",
		"@annually",
	}
	for _, expr := range tests {
		if _, err := ParseCron(expr); err != nil {
			t.Errorf("ParseCron(%q) failed: %v", expr, err)
		}
	}
}

func TestParseCron_Invalid(t *testing.T) {
	tests := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 7",
		"5-2 * * * *",
		"*/0 * * * *",
		"abc * * * *",
		"1-x * * * *",
	}
	for _, expr := range tests {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) accepted an invalid expression", expr)
		}
	}
}

func TestCronNext_EveryHour(t *testing.T) {
	expr, err := ParseCron("0 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	want := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	if got := expr.Next(from); !got.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", from, got, want)
	}
}

func TestCronNext_Step(t *testing.T) {
	expr, err := ParseCron("*/15 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 3, 10, 10, 7, 0, 0, time.UTC)
	want := time.Date(2026, 3, 10, 10, 15, 0, 0, time.UTC)
	if got := expr.Next(from); !got.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", from, got, want)
	}
}

func TestCronNext_Weekdays(t *testing.T) {
	expr, err := ParseCron("0 9 * * 1-5")
	if err != nil {
		t.Fatal(err)
	}
	// 2026-03-13 is a Friday; 10:00 is past the fire time, so the next
	// weekday fire is Monday the 16th.
	from := time.Date(2026, 3, 13, 10, 0, 0, 0, time.UTC)
	want := time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)
	if got := expr.Next(from); !got.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", from, got, want)
	}
}

func TestCronNext_MonthBoundary(t *testing.T) {
	expr, err := ParseCron("0 0 1 * *")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	want := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if got := expr.Next(from); !got.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", from, got, want)
	}
}

func TestCronNext_StrictlyAfter(t *testing.T) {
	expr, err := ParseCron("30 14 * * *")
	if err != nil {
		t.Fatal(err)
	}
	// A from exactly on a fire instant must return the next one, never the
	// same instant.
	from := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	want := time.Date(2026, 3, 11, 14, 30, 0, 0, time.UTC)
	if got := expr.Next(from); !got.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", from, got, want)
	}
}

func TestCronNext_RespectsLocation(t *testing.T) {
	expr, err := ParseCron("0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	from := time.Date(2026, 3, 10, 8, 0, 0, 0, loc)
	got := expr.Next(from)
	if got.Hour() != 9 || got.Location() != loc {
		t.Errorf("Next did not stay in the source location: %v", got)
	}
}
