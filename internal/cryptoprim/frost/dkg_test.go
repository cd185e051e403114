package frost

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/internal/ids"
)

// runDKG drives a full 2-of-3 DKG to completion across in-memory sessions
// and returns each participant's finalized output.
func runDKG(t *testing.T, participants []ids.ParticipantID, threshold uint16) map[ids.ParticipantID]*DKGOutput {
	t.Helper()

	sessions := make(map[ids.ParticipantID]*DKGSession, len(participants))
	for _, p := range participants {
		sessions[p] = NewDKGSession(p, threshold, participants)
	}

	round1 := make(map[ids.ParticipantID]*Round1Message, len(participants))
	for _, p := range participants {
		msg, err := sessions[p].BeginRound1(rand.Reader)
		require.NoError(t, err)
		round1[p] = msg
	}

	for _, p := range participants {
		for _, from := range participants {
			if from == p {
				continue
			}
			require.NoError(t, sessions[p].ReceiveRound1(round1[from]))
		}
		require.True(t, sessions[p].ReadyForRound2())
	}

	round2 := make(map[ids.ParticipantID][]*Round2Message, len(participants))
	for _, p := range participants {
		msgs, err := sessions[p].BeginRound2()
		require.NoError(t, err)
		round2[p] = msgs
	}

	for _, p := range participants {
		for _, from := range participants {
			if from == p {
				continue
			}
			for _, msg := range round2[from] {
				if msg.To != p {
					continue
				}
				require.NoError(t, sessions[p].ReceiveRound2(msg))
			}
		}
		require.True(t, sessions[p].ReadyForKeyDerive())
	}

	out := make(map[ids.ParticipantID]*DKGOutput, len(participants))
	for _, p := range participants {
		o, err := sessions[p].Finalize()
		require.NoError(t, err)
		out[p] = o
	}
	return out
}

func TestDKGProducesConsistentGroupKey(t *testing.T) {
	participants := []ids.ParticipantID{1, 2, 3}
	outputs := runDKG(t, participants, 2)

	group := outputs[1].PublicKeyPackage.GroupPublicKey
	for _, p := range participants {
		require.Equal(t, 1, group.Equal(outputs[p].PublicKeyPackage.GroupPublicKey),
			"participant %d disagrees on the group public key", p)
		require.Equal(t, p, outputs[p].KeyPackage.Participant)
	}
}

func TestDKGRejectsInvalidProofOfKnowledge(t *testing.T) {
	participants := []ids.ParticipantID{1, 2, 3}
	sessions := make(map[ids.ParticipantID]*DKGSession, len(participants))
	for _, p := range participants {
		sessions[p] = NewDKGSession(p, 2, participants)
	}

	msg1, err := sessions[1].BeginRound1(rand.Reader)
	require.NoError(t, err)
	_, err = sessions[2].BeginRound1(rand.Reader)
	require.NoError(t, err)

	// Tamper with the broadcast PoK response; the commitment no longer proves
	// knowledge of the coefficient it claims to commit to.
	tampered := *msg1
	tampered.PoKMu = scalarOne()

	err = sessions[2].ReceiveRound1(&tampered)
	require.Error(t, err)
	var dkgErr *DKGError
	require.ErrorAs(t, err, &dkgErr)
	require.Equal(t, "InvalidCommitment", dkgErr.Kind)
}

func TestDKGRejectsMisdirectedShare(t *testing.T) {
	participants := []ids.ParticipantID{1, 2, 3}
	sessions := make(map[ids.ParticipantID]*DKGSession, len(participants))
	for _, p := range participants {
		sessions[p] = NewDKGSession(p, 2, participants)
	}
	round1 := make(map[ids.ParticipantID]*Round1Message, len(participants))
	for _, p := range participants {
		msg, err := sessions[p].BeginRound1(rand.Reader)
		require.NoError(t, err)
		round1[p] = msg
	}
	for _, p := range participants {
		for _, from := range participants {
			if from != p {
				require.NoError(t, sessions[p].ReceiveRound1(round1[from]))
			}
		}
	}

	msgs, err := sessions[1].BeginRound2()
	require.NoError(t, err)

	var forParticipant3 *Round2Message
	for _, m := range msgs {
		if m.To == 3 {
			forParticipant3 = m
		}
	}
	require.NotNil(t, forParticipant3)

	_, err = sessions[2].BeginRound2()
	require.NoError(t, err)
	err = sessions[2].ReceiveRound2(forParticipant3)
	require.Error(t, err)
	var dkgErr *DKGError
	require.ErrorAs(t, err, &dkgErr)
	require.Equal(t, "InvalidShare", dkgErr.Kind)
}

func TestSigningRoundTripProducesVerifiableSignature(t *testing.T) {
	participants := []ids.ParticipantID{1, 2, 3}
	outputs := runDKG(t, participants, 2)

	signerSet := []ids.ParticipantID{1, 2}
	message := []byte("aura: authorize device enrollment")

	commitments := make([]*NonceCommitment, 0, len(signerSet))
	nonces := make(map[ids.ParticipantID]*SignerNonces, len(signerSet))
	for _, p := range signerSet {
		n, c, err := GenerateNonces(p, rand.Reader)
		require.NoError(t, err)
		nonces[p] = n
		commitments = append(commitments, c)
	}

	pkg := &SigningPackage{Message: message, Commitments: commitments}

	shares := make([]*SignatureShare, 0, len(signerSet))
	for _, p := range signerSet {
		share, err := Sign(p, nonces[p], outputs[p].KeyPackage, pkg, signerSet)
		require.NoError(t, err)
		shares = append(shares, share)
	}

	sig, err := Aggregate(pkg, shares, outputs[1].PublicKeyPackage, 2)
	require.NoError(t, err)
	require.Len(t, sig, 64)
	require.True(t, VerifyStandardEd25519(outputs[1].PublicKeyPackage.GroupPublicKey, message, sig))
}

func TestAggregateRejectsBelowThreshold(t *testing.T) {
	participants := []ids.ParticipantID{1, 2, 3}
	outputs := runDKG(t, participants, 2)

	signerSet := []ids.ParticipantID{1}
	n, c, err := GenerateNonces(1, rand.Reader)
	require.NoError(t, err)
	pkg := &SigningPackage{Message: []byte("short"), Commitments: []*NonceCommitment{c}}
	share, err := Sign(1, n, outputs[1].KeyPackage, pkg, signerSet)
	require.NoError(t, err)

	_, err = Aggregate(pkg, []*SignatureShare{share}, outputs[1].PublicKeyPackage, 2)
	require.Error(t, err)
	var signErr *SignError
	require.ErrorAs(t, err, &signErr)
	require.Equal(t, "InsufficientShares", signErr.Kind)
}

func TestRound1MessageRoundTripsThroughWireBytes(t *testing.T) {
	participants := []ids.ParticipantID{1, 2, 3}
	sess := NewDKGSession(1, 2, participants)
	msg, err := sess.BeginRound1(rand.Reader)
	require.NoError(t, err)

	raw, err := msg.MarshalBinary()
	require.NoError(t, err)

	var parsed Round1Message
	require.NoError(t, parsed.UnmarshalBinary(raw))

	require.Equal(t, msg.From, parsed.From)
	require.Len(t, parsed.Commitment, len(msg.Commitment))
	for i := range msg.Commitment {
		require.Equal(t, 1, msg.Commitment[i].Equal(parsed.Commitment[i]))
	}
	require.Equal(t, 1, msg.DHPublic.Equal(parsed.DHPublic))
	require.Equal(t, 1, msg.PoKR.Equal(parsed.PoKR))
	require.Equal(t, msg.PoKMu.Bytes(), parsed.PoKMu.Bytes())
}

func TestRound1MessageUnmarshalRejectsTruncatedInput(t *testing.T) {
	participants := []ids.ParticipantID{1, 2, 3}
	sess := NewDKGSession(1, 2, participants)
	msg, err := sess.BeginRound1(rand.Reader)
	require.NoError(t, err)
	raw, err := msg.MarshalBinary()
	require.NoError(t, err)

	var parsed Round1Message
	err = parsed.UnmarshalBinary(raw[:len(raw)-1])
	require.Error(t, err)
}

func TestRound2MessageRoundTripsThroughWireBytes(t *testing.T) {
	participants := []ids.ParticipantID{1, 2, 3}
	sessions := make(map[ids.ParticipantID]*DKGSession, len(participants))
	for _, p := range participants {
		sessions[p] = NewDKGSession(p, 2, participants)
	}
	round1 := make(map[ids.ParticipantID]*Round1Message, len(participants))
	for _, p := range participants {
		msg, err := sessions[p].BeginRound1(rand.Reader)
		require.NoError(t, err)
		round1[p] = msg
	}
	for _, p := range participants {
		for _, from := range participants {
			if from != p {
				require.NoError(t, sessions[p].ReceiveRound1(round1[from]))
			}
		}
	}
	msgs, err := sessions[1].BeginRound2()
	require.NoError(t, err)
	require.NotEmpty(t, msgs)

	original := msgs[0]
	raw, err := original.MarshalBinary()
	require.NoError(t, err)

	var parsed Round2Message
	require.NoError(t, parsed.UnmarshalBinary(raw))

	require.Equal(t, original.From, parsed.From)
	require.Equal(t, original.To, parsed.To)
	require.Equal(t, original.EncryptedShare.Algorithm, parsed.EncryptedShare.Algorithm)
	require.Equal(t, original.EncryptedShare.Nonce, parsed.EncryptedShare.Nonce)
	require.Equal(t, original.EncryptedShare.Ciphertext, parsed.EncryptedShare.Ciphertext)

	_, err = sessions[parsed.To].BeginRound2()
	require.NoError(t, err)
	require.NoError(t, sessions[parsed.To].ReceiveRound2(&parsed))
}

func TestNonceCommitmentRoundTripsThroughWireBytes(t *testing.T) {
	_, commitment, err := GenerateNonces(7, rand.Reader)
	require.NoError(t, err)

	raw := NonceCommitmentBytes(commitment)
	parsed, err := ParseNonceCommitment(7, raw)
	require.NoError(t, err)

	require.Equal(t, 1, commitment.Hiding.Equal(parsed.Hiding))
	require.Equal(t, 1, commitment.Binding.Equal(parsed.Binding))
}
