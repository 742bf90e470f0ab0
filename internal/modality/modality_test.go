package modality

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"audio", Audio, false},
		{" IMU ", IMU, false},
		{"Text", Text, false},
		{"smell", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseList(t *testing.T) {
	got, err := ParseList("imu, text")
	if err != nil {
		t.Fatalf("ParseList() error = %v", err)
	}
	if len(got) != 2 || got[0] != IMU || got[1] != Text {
		t.Errorf("ParseList() = %v", got)
	}

	if got, err := ParseList(""); err != nil || got != nil {
		t.Errorf("ParseList(\"\") = %v, %v", got, err)
	}
	if _, err := ParseList("audio,bogus"); err == nil {
		t.Error("ParseList with unknown entry error = nil")
	}
}

func TestIsSensor(t *testing.T) {
	if Text.IsSensor() {
		t.Error("Text.IsSensor() = true")
	}
	for _, m := range []Type{Audio, IMU, Vision, Depth, Thermal} {
		if !m.IsSensor() {
			t.Errorf("%s.IsSensor() = false", m)
		}
	}
	if Type("smell").IsSensor() {
		t.Error("unknown modality reported as sensor")
	}
}

func TestAllSorted(t *testing.T) {
	all := All()
	if len(all) != 6 {
		t.Fatalf("len(All()) = %d, want 6", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1] >= all[i] {
			t.Errorf("All() not sorted: %v", all)
		}
	}
}
