package main

import "testing"

func TestProfileFor(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"instagram", "instagram", false},
		{"IG", "instagram", false},
		{"facebook", "facebook", false},
		{"fb", "facebook", false},
		{"tiktok", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, caps, err := profileFor(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Name != tt.want {
				t.Errorf("expected %s, got %s", tt.want, p.Name)
			}
			if !caps.SupportsReels || !caps.SupportsImages {
				t.Errorf("unexpected caps %+v", caps)
			}
		})
	}
	if p, _, _ := profileFor("facebook"); !p.DedicatedShortForm {
		t.Error("facebook profile should use the strict short-form rule")
	}
}

func TestWeekdayOrder(t *testing.T) {
	if weekday("Sunday") != 0 || weekday("Saturday") != 6 || weekday("Someday") != 7 {
		t.Error("unexpected weekday ordering")
	}
}
