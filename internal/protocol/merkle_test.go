package protocol

import "testing"

func TestMerkleProofRoundTrip(t *testing.T) {
	for size := 1; size <= 7; size++ {
		leaves := make([]string, size)
		for i := range leaves {
			leaves[i] = SHA256Hex([]byte{byte('a' + i)})
		}
		root, err := ComputeMerkleRoot(leaves)
		if err != nil {
			t.Fatalf("ComputeMerkleRoot error: %v", err)
		}
		for idx := range leaves {
			proof, err := ComputeInclusionProof(leaves, idx)
			if err != nil {
				t.Fatalf("ComputeInclusionProof(%d/%d) error: %v", idx, size, err)
			}
			if proof.RootHash != root {
				t.Fatalf("proof root %q does not match root %q", proof.RootHash, root)
			}
			ok, err := VerifyInclusionProof(proof)
			if err != nil || !ok {
				t.Fatalf("expected proof %d/%d to verify, ok=%v err=%v", idx, size, ok, err)
			}
		}
	}
}

func TestMerkleProofRejectsForeignLeaf(t *testing.T) {
	leaves := []string{SHA256Hex([]byte("1")), SHA256Hex([]byte("2")), SHA256Hex([]byte("3"))}
	proof, err := ComputeInclusionProof(leaves, 1)
	if err != nil {
		t.Fatalf("ComputeInclusionProof error: %v", err)
	}
	proof.LeafHash = SHA256Hex([]byte("forged"))
	ok, err := VerifyInclusionProof(proof)
	if err != nil {
		t.Fatalf("VerifyInclusionProof error: %v", err)
	}
	if ok {
		t.Fatalf("expected foreign leaf to fail")
	}
	if _, err := ComputeInclusionProof(leaves, 3); err == nil {
		t.Fatalf("expected out of range index to fail")
	}
}

func TestEmptyMerkleRootIsStable(t *testing.T) {
	r1, err := ComputeMerkleRoot(nil)
	if err != nil {
		t.Fatalf("ComputeMerkleRoot error: %v", err)
	}
	r2, err := ComputeMerkleRoot([]string{})
	if err != nil {
		t.Fatalf("ComputeMerkleRoot error: %v", err)
	}
	if r1 != r2 || r1 == "" {
		t.Fatalf("expected stable empty root, got %q and %q", r1, r2)
	}
}
