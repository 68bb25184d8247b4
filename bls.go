// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package savanna

import (
	"errors"
	"fmt"

	"github.com/onflow/crypto"
	"github.com/onflow/crypto/hash"
)

// Domain separation tag for finalizer votes. The strong/weak
// distinction is carried by the signed message itself (strong digest
// versus weak digest), not by the tag.
const voteDomainTag = "SAVANNA-VOTE-V0-CS00-with-"

const (
	BlsPublicKeyLen = crypto.PubKeyLenBLSBLS12381
	BlsSignatureLen = crypto.SignatureLenBLSBLS12381
)

var (
	ErrEmptyBitset         = errors.New("no bits set in vote bitset")
	ErrBitsetSizeMismatch  = errors.New("bitset length does not match policy size")
	ErrAggregateVerify     = errors.New("aggregate signature verification failed")
	ErrInvalidAggregateKey = errors.New("invalid aggregate public key or signature")
)

func newVoteHasher() hash.Hasher {
	return crypto.NewExpandMsgXOFKMAC128(voteDomainTag)
}

// GenerateFinalizerKey derives a BLS12-381 private key from the given
// seed. The seed must be at least crypto.KeyGenSeedMinLen bytes.
func GenerateFinalizerKey(seed []byte) (crypto.PrivateKey, error) {
	return crypto.GeneratePrivateKey(crypto.BLSBLS12381, seed)
}

func signVote(sk crypto.PrivateKey, msg []byte) (crypto.Signature, error) {
	return sk.Sign(msg, newVoteHasher())
}

func verifyVote(pk crypto.PublicKey, sig crypto.Signature, msg []byte) (bool, error) {
	return pk.Verify(sig, msg, newVoteHasher())
}

// subsetKey aggregates the public keys of the finalizers whose bits are
// set. The bitset length must equal the policy size and at least one
// bit must be set.
func subsetKey(policy *FinalizerPolicy, bs *Bitset) (crypto.PublicKey, error) {
	if bs == nil || bs.Size() != uint32(len(policy.Finalizers)) {
		return nil, ErrBitsetSizeMismatch
	}
	if !bs.Any() {
		return nil, ErrEmptyBitset
	}
	keys := make([]crypto.PublicKey, 0, bs.Count())
	for i := uint32(0); i < bs.Size(); i++ {
		if bs.Test(i) {
			keys = append(keys, policy.Finalizers[i].PubKey)
		}
	}
	agg, err := crypto.AggregateBLSPublicKeys(keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAggregateKey, err)
	}
	return agg, nil
}

// verifySubset verifies an aggregate signature by the policy subset in
// bs over a single message.
func verifySubset(policy *FinalizerPolicy, bs *Bitset, msg []byte, sig crypto.Signature) error {
	agg, err := subsetKey(policy, bs)
	if err != nil {
		return err
	}
	ok, err := agg.Verify(sig, msg, newVoteHasher())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAggregateKey, err)
	}
	if !ok {
		return ErrAggregateVerify
	}
	return nil
}

// verifyMixedSubsets verifies one aggregate signature covering a strong
// subset over the strong digest and a weak subset over the weak digest.
func verifyMixedSubsets(policy *FinalizerPolicy, strong, weak *Bitset, strongMsg, weakMsg []byte, sig crypto.Signature) error {
	strongKey, err := subsetKey(policy, strong)
	if err != nil {
		return err
	}
	weakKey, err := subsetKey(policy, weak)
	if err != nil {
		return err
	}
	ok, err := crypto.VerifyBLSSignatureManyMessages(
		[]crypto.PublicKey{strongKey, weakKey},
		sig,
		[][]byte{strongMsg, weakMsg},
		[]hash.Hasher{newVoteHasher(), newVoteHasher()},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAggregateKey, err)
	}
	if !ok {
		return ErrAggregateVerify
	}
	return nil
}

func aggregateSignatures(sigs ...crypto.Signature) (crypto.Signature, error) {
	return crypto.AggregateBLSSignatures(sigs)
}

func decodePublicKey(b []byte) (crypto.PublicKey, error) {
	return crypto.DecodePublicKey(crypto.BLSBLS12381, b)
}
