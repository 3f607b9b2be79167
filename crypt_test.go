package kvdoc

import "testing"

func TestEncryptionFilterRoundTrip(t *testing.T) {
	ef := newEncryptionFilter("correct horse battery staple")
	plaintext := []byte(`{"users":{"1":{"email":"a@x.com"}}}`)

	ciphertext, err := ef.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if string(ciphertext) == string(plaintext) {
		t.Fatalf("Encrypt returned plaintext unchanged")
	}

	got, err := ef.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("Decrypt = %q, wanted %q", got, plaintext)
	}
}

func TestEncryptionFilterWrongPassphraseFails(t *testing.T) {
	ef := newEncryptionFilter("right-password")
	ciphertext, err := ef.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	wrong := newEncryptionFilter("wrong-password")
	if _, err := wrong.Decrypt(ciphertext); err == nil {
		t.Fatalf("Decrypt with wrong passphrase error = nil, wanted CorruptionError")
	}
}

func TestEncryptionFilterRejectsMalformedEnvelope(t *testing.T) {
	ef := newEncryptionFilter("pw")
	if _, err := ef.Decrypt([]byte("not-hex!!")); err == nil {
		t.Fatalf("Decrypt(non-hex) error = nil, wanted CorruptionError")
	}
	if _, err := ef.Decrypt([]byte("deadbeef")); err == nil {
		t.Fatalf("Decrypt(too-short envelope) error = nil, wanted CorruptionError")
	}
}

func TestNewEncryptionFilterNilForEmptyKey(t *testing.T) {
	if ef := newEncryptionFilter(""); ef != nil {
		t.Fatalf("newEncryptionFilter(\"\") = %v, wanted nil", ef)
	}
}
