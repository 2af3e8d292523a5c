package cache

import "testing"

func TestFingerprintStableAcrossFieldOrder(t *testing.T) {
	a := map[string]any{"model": "gpt-4o", "temperature": 0.2, "messages": []any{"hi"}}
	b := map[string]any{"messages": []any{"hi"}, "temperature": 0.2, "model": "gpt-4o"}

	fa := Fingerprint("chat", a, FieldPolicy{})
	fb := Fingerprint("chat", b, FieldPolicy{})
	if fa != fb {
		t.Fatalf("expected identical fingerprints regardless of field order, got %s vs %s", fa, fb)
	}
}

func TestFingerprintExcludeChangesDigest(t *testing.T) {
	raw := map[string]any{"model": "gpt-4o", "trace_id": "abc"}
	withTrace := Fingerprint("chat", raw, FieldPolicy{})
	withoutTrace := Fingerprint("chat", raw, FieldPolicy{Exclude: []string{"trace_id"}})
	if withTrace == withoutTrace {
		t.Fatal("expected excluding a field to change the fingerprint")
	}

	raw2 := map[string]any{"model": "gpt-4o", "trace_id": "different"}
	onlyTraceDiffers := Fingerprint("chat", raw2, FieldPolicy{Exclude: []string{"trace_id"}})
	if onlyTraceDiffers != withoutTrace {
		t.Fatal("expected excluded field to not affect the fingerprint even when its value changes")
	}
}

func TestFingerprintIncludeProjectsOnlyNamedFields(t *testing.T) {
	raw := map[string]any{"model": "gpt-4o", "user": "alice"}
	a := Fingerprint("chat", raw, FieldPolicy{Include: []string{"model"}})

	raw2 := map[string]any{"model": "gpt-4o", "user": "bob"}
	b := Fingerprint("chat", raw2, FieldPolicy{Include: []string{"model"}})

	if a != b {
		t.Fatal("expected fields outside Include to not affect the fingerprint")
	}
}

func TestFingerprintPrefixIsolatesNamespaces(t *testing.T) {
	raw := map[string]any{"model": "gpt-4o"}
	a := Fingerprint("chat", raw, FieldPolicy{})
	b := Fingerprint("embeddings", raw, FieldPolicy{})
	if a == b {
		t.Fatal("expected different prefixes to namespace fingerprints apart")
	}
}
