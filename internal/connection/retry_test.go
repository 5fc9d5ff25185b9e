package connection

import (
	"testing"
	"time"
)

func TestPolicyFromAttributes(t *testing.T) {
	tests := []struct {
		name      string
		attrs     map[string]string
		want      RetryPolicy
		wantWarns int
		wantErr   bool
	}{
		{name: "absent", attrs: nil, want: RetryPolicy{}},
		{
			name:  "initial only",
			attrs: map[string]string{AttrInitialDelay: "5"},
			want:  RetryPolicy{Enabled: true, InitialDelay: 5 * time.Second, Multiplier: 1},
		},
		{
			name:      "initial below minimum disables",
			attrs:     map[string]string{AttrInitialDelay: "2"},
			want:      RetryPolicy{},
			wantWarns: 1,
		},
		{
			name:  "full",
			attrs: map[string]string{AttrInitialDelay: "10", AttrDelayMultiplier: "2.5", AttrMaximumDelay: "300"},
			want:  RetryPolicy{Enabled: true, InitialDelay: 10 * time.Second, Multiplier: 2.5, MaximumDelay: 300 * time.Second},
		},
		{
			name:      "multiplier below one",
			attrs:     map[string]string{AttrInitialDelay: "10", AttrDelayMultiplier: "0.5"},
			want:      RetryPolicy{Enabled: true, InitialDelay: 10 * time.Second, Multiplier: 1},
			wantWarns: 1,
		},
		{
			name:      "maximum below initial is dropped",
			attrs:     map[string]string{AttrInitialDelay: "10", AttrMaximumDelay: "5"},
			want:      RetryPolicy{Enabled: true, InitialDelay: 10 * time.Second, Multiplier: 1},
			wantWarns: 1,
		},
		{name: "bad initial", attrs: map[string]string{AttrInitialDelay: "x"}, wantErr: true},
		{name: "bad multiplier", attrs: map[string]string{AttrInitialDelay: "10", AttrDelayMultiplier: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warns, err := PolicyFromAttributes(tt.attrs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PolicyFromAttributes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("PolicyFromAttributes() = %+v, want %+v", got, tt.want)
			}
			if len(warns) != tt.wantWarns {
				t.Errorf("warnings = %v, want %d", warns, tt.wantWarns)
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	p := RetryPolicy{Enabled: true, InitialDelay: 10 * time.Second, Multiplier: 2, MaximumDelay: 60 * time.Second}
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.failures); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}

	uncapped := RetryPolicy{Enabled: true, InitialDelay: time.Second, Multiplier: 10}
	if got := uncapped.Delay(1000); got <= 0 {
		t.Errorf("uncapped Delay overflowed to %v", got)
	}
}

func TestPolicyAttributesRoundTrip(t *testing.T) {
	policies := []RetryPolicy{
		{},
		{Enabled: true, InitialDelay: 10 * time.Second, Multiplier: 1.5},
		{Enabled: true, InitialDelay: 5 * time.Second, Multiplier: 2, MaximumDelay: 5 * time.Minute},
	}
	for _, p := range policies {
		got, warns, err := PolicyFromAttributes(p.Attributes())
		if err != nil || len(warns) != 0 {
			t.Fatalf("PolicyFromAttributes(%v) = %v, %v", p.Attributes(), warns, err)
		}
		if got != p {
			t.Errorf("round trip of %+v = %+v", p, got)
		}
	}
}
