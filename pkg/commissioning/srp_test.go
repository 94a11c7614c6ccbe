package commissioning

import (
	"bytes"
	"errors"
	"testing"
)

func TestSRPGroup(t *testing.T) {
	if srpN.BitLen() != 3072 {
		t.Errorf("N has %d bits, want 3072", srpN.BitLen())
	}
	if srpNLen != 384 {
		t.Errorf("N length = %d, want 384", srpNLen)
	}
	if !srpN.ProbablyPrime(8) {
		t.Error("N is not prime")
	}
}

func TestSRPExchange(t *testing.T) {
	user := []byte(SRPUsername)
	pw := MustParseSetupCode("12345678").Password()

	server, err := NewSRPServer(user, pw)
	if err != nil {
		t.Fatalf("NewSRPServer failed: %v", err)
	}
	client, err := NewSRPClient(user, pw)
	if err != nil {
		t.Fatalf("NewSRPClient failed: %v", err)
	}

	if len(server.PublicKey()) != 384 || len(client.PublicKey()) != 384 {
		t.Fatal("public keys not padded to group size")
	}

	if err := client.ProcessChallenge(server.Salt(), server.PublicKey()); err != nil {
		t.Fatalf("ProcessChallenge failed: %v", err)
	}
	if err := server.ProcessClientKey(client.PublicKey()); err != nil {
		t.Fatalf("ProcessClientKey failed: %v", err)
	}
	if err := server.VerifyClientProof(client.Proof()); err != nil {
		t.Fatalf("VerifyClientProof failed: %v", err)
	}
	if err := client.VerifyServerProof(server.Proof()); err != nil {
		t.Fatalf("VerifyServerProof failed: %v", err)
	}
	if !bytes.Equal(server.SessionKey(), client.SessionKey()) {
		t.Error("session keys differ")
	}
}

func TestSRPWrongPassword(t *testing.T) {
	user := []byte(SRPUsername)
	server, _ := NewSRPServer(user, MustParseSetupCode("12345678").Password())
	client, _ := NewSRPClient(user, MustParseSetupCode("00000000").Password())

	if err := client.ProcessChallenge(server.Salt(), server.PublicKey()); err != nil {
		t.Fatalf("ProcessChallenge failed: %v", err)
	}
	if err := server.ProcessClientKey(client.PublicKey()); err != nil {
		t.Fatalf("ProcessClientKey failed: %v", err)
	}
	if err := server.VerifyClientProof(client.Proof()); !errors.Is(err, ErrProofMismatch) {
		t.Errorf("VerifyClientProof error = %v, want ErrProofMismatch", err)
	}
}

func TestSRPRejectsZeroKey(t *testing.T) {
	server, _ := NewSRPServer([]byte(SRPUsername), []byte("111-11-111"))
	if err := server.ProcessClientKey(make([]byte, 384)); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("zero A error = %v", err)
	}
	if err := server.ProcessClientKey(srpN.Bytes()); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("A = N error = %v", err)
	}
}
