package escrow

// Signature is one participant's durable decision on an escrow.
type Signature struct {
	Signer   [20]byte
	Outcome  Outcome
	Payload  Ciphertext
	SignedAt int64
}

// Ledger holds at most one signature per participant, in recording order.
type Ledger []Signature

// Record appends a signature after checking uniqueness and eligibility. A
// participant that already signed is rejected with ErrAlreadySigned whatever
// outcome it asks for, before its role is checked against the outcome.
func (l Ledger) Record(p Participants, signer [20]byte, outcome Outcome, payload Ciphertext, at int64) (Ledger, error) {
	if !outcome.Valid() {
		return l, ErrInvalidOutcome
	}
	if !p.IsParticipant(signer) {
		return l, ErrNotEligible
	}
	if l.HasSigned(signer) {
		return l, ErrAlreadySigned
	}
	if !p.CanSign(signer, outcome) {
		return l, ErrNotEligible
	}
	if err := payload.Validate(); err != nil {
		return l, err
	}
	next := make(Ledger, len(l), len(l)+1)
	copy(next, l)
	next = append(next, Signature{Signer: signer, Outcome: outcome, Payload: payload.Clone(), SignedAt: at})
	return next, nil
}

// CountFor returns the number of distinct signers that chose outcome.
func (l Ledger) CountFor(outcome Outcome) int {
	count := 0
	for _, sig := range l {
		if sig.Outcome == outcome {
			count++
		}
	}
	return count
}

func (l Ledger) Count() int { return len(l) }

func (l Ledger) HasSigned(addr [20]byte) bool {
	_, ok := l.Lookup(addr)
	return ok
}

// Lookup returns the signature recorded by addr.
func (l Ledger) Lookup(addr [20]byte) (Signature, bool) {
	for _, sig := range l {
		if sig.Signer == addr {
			return sig, true
		}
	}
	return Signature{}, false
}

func (l Ledger) Clone() Ledger {
	if l == nil {
		return nil
	}
	out := make(Ledger, len(l))
	for i, sig := range l {
		out[i] = sig
		out[i].Payload = sig.Payload.Clone()
	}
	return out
}
