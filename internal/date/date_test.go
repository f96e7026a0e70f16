package date

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParse_Valid(t *testing.T) {
	d, err := Parse("2020-02-29")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Year() != 2020 || d.Month() != time.February || d.Day() != 29 {
		t.Errorf("unexpected date %v", d)
	}
	if d.String() != "2020-02-29" {
		t.Errorf("expected round trip, got %s", d)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"2020-1-1",
		"2021-02-29",
		"2020-13-01",
		"20200101",
		"2020-01-01T00:00:00Z",
		"not-a-date",
	}
	for _, s := range tests {
		if _, err := Parse(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestAddDays(t *testing.T) {
	d := MustParse("2020-12-30").AddDays(3)
	if d.String() != "2021-01-02" {
		t.Errorf("expected 2021-01-02, got %s", d)
	}
}

func TestAddMonths_ClampsToMonthEnd(t *testing.T) {
	tests := []struct {
		from string
		n    int
		want string
	}{
		{"2020-01-15", 1, "2020-02-15"},
		{"2020-01-31", 1, "2020-02-29"},
		{"2021-01-31", 1, "2021-02-28"},
		{"2021-01-31", 2, "2021-03-31"},
		{"2021-12-31", 1, "2022-01-31"},
		{"2021-03-31", -1, "2021-02-28"},
	}
	for _, tt := range tests {
		got := MustParse(tt.from).AddMonths(tt.n)
		if got.String() != tt.want {
			t.Errorf("%s + %d months: expected %s, got %s", tt.from, tt.n, tt.want, got)
		}
	}
}

func TestCompare(t *testing.T) {
	a := MustParse("2020-01-01")
	b := MustParse("2020-01-02")
	if !a.Before(b) || b.Before(a) || !b.After(a) {
		t.Error("ordering is wrong")
	}
	if a.Compare(a) != 0 {
		t.Error("a day should equal itself")
	}
	if a.DaysUntil(b) != 1 || b.DaysUntil(a) != -1 {
		t.Errorf("unexpected day distance %d", a.DaysUntil(b))
	}
}

func TestJSON(t *testing.T) {
	type payload struct {
		On   Date         `json:"on"`
		Vals map[Date]int `json:"vals"`
	}
	in := payload{On: MustParse("2020-01-08"), Vals: map[Date]int{MustParse("2020-01-01"): 1}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"on":"2020-01-08","vals":{"2020-01-01":1}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}

	var out payload
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.On != in.On {
		t.Errorf("expected %s, got %s", in.On, out.On)
	}

	if err := json.Unmarshal([]byte(`{"on":"2020-02-30"}`), &out); err == nil {
		t.Error("expected error for impossible day")
	}
}
