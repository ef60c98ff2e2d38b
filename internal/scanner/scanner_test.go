package scanner

import "testing"

func TestScanWholeToken(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want Flags
	}{
		{"plain time", `const char* t = __TIME__;`, FoundTime},
		{"plain date", `const char* d = __DATE__;`, FoundDate},
		{"timestamp", `x(__TIMESTAMP__)`, FoundTimestamp},
		{"embedded in identifier", `int __TIME__x = 1;`, 0},
		{"prefixed identifier", `int x__TIME__ = 1;`, 0},
		{"no macros", `int main(){return 0;}`, 0},
		{"multiple", `__DATE__ __TIME__`, FoundDate | FoundTime},
		{"at buffer start", `__TIME__`, FoundTime},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Scan([]byte(c.src))
			if got != c.want {
				t.Errorf("Scan(%q) = %v, want %v", c.src, got, c.want)
			}
		})
	}
}

func TestContainsDisableToken(t *testing.T) {
	if !ContainsDisableToken([]byte("// ccache:disable\nint main(){}")) {
		t.Error("expected disable token to be found")
	}
	if ContainsDisableToken([]byte("int main(){}")) {
		t.Error("did not expect disable token")
	}
	far := make([]byte, disableScanWindow+100)
	copy(far[disableScanWindow+10:], []byte(DisableToken))
	if ContainsDisableToken(far) {
		t.Error("disable token beyond the 4KiB window must not be found")
	}
}
