package escrow

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/meridianlabs/escrowd/service/anchor"
	"github.com/meridianlabs/escrowd/service/db"
	"github.com/meridianlabs/escrowd/service/dealid"
	"github.com/meridianlabs/escrowd/service/pda"
)

// Verdict is the arbitration outcome encoded in the resolve instruction.
type Verdict uint8

const (
	VerdictRelease Verdict = 1
	VerdictRefund  Verdict = 2
)

// VerdictFromAction maps a ticket's final action to its wire value.
func VerdictFromAction(finalAction string) (Verdict, error) {
	switch finalAction {
	case "RELEASE":
		return VerdictRelease, nil
	case "REFUND":
		return VerdictRefund, nil
	default:
		return 0, fmt.Errorf("%w: unknown final action %q", ErrValidation, finalAction)
	}
}

// DealKeys holds a deal's addresses parsed out of the stored record.
type DealKeys struct {
	DealID  string
	Seller  solana.PublicKey
	Buyer   solana.PublicKey
	Arbiter solana.PublicKey
	Mint    solana.PublicKey
	Escrow  solana.PublicKey
}

// KeysFromDeal parses the base58 address fields of a stored deal.
func KeysFromDeal(d *db.Deal) (DealKeys, error) {
	k := DealKeys{DealID: d.ID}
	for _, f := range []struct {
		name  string
		value string
		dst   *solana.PublicKey
	}{
		{"seller_wallet", d.SellerWallet, &k.Seller},
		{"buyer_wallet", d.BuyerWallet, &k.Buyer},
		{"arbiter_wallet", d.ArbiterWallet, &k.Arbiter},
		{"deposit_mint", d.DepositMint, &k.Mint},
		{"onchain_address", d.OnchainAddress, &k.Escrow},
	} {
		pk, err := solana.PublicKeyFromBase58(f.value)
		if err != nil {
			return DealKeys{}, fmt.Errorf("%w: deal %s has malformed %s %q", ErrValidation, d.ID, f.name, f.value)
		}
		*f.dst = pk
	}
	return k, nil
}

// DerivedAddresses are the on-chain addresses computed for a new deal.
type DerivedAddresses struct {
	Escrow            solana.PublicKey
	EscrowBump        uint8
	VaultAuthority    solana.PublicKey
	VaultTokenAccount solana.PublicKey
}

// Builder constructs the exact instructions the deployed escrow program
// expects: ordered account lists and selector-prefixed payloads. It performs
// no network I/O.
type Builder struct {
	deriver *pda.Deriver
}

// NewBuilder creates a Builder over the given address deriver.
func NewBuilder(deriver *pda.Deriver) *Builder {
	return &Builder{deriver: deriver}
}

// Derive computes the escrow account, vault authority and vault token
// account for a deal.
func (b *Builder) Derive(dealID string, seller, buyer, mint solana.PublicKey) (*DerivedAddresses, error) {
	escrow, bump, err := b.deriver.EscrowAddress(dealID, seller, buyer, mint)
	if err != nil {
		return nil, err
	}
	vaultAuth, _, err := b.deriver.VaultAuthority(escrow)
	if err != nil {
		return nil, err
	}
	vaultAta, err := pda.AssociatedTokenAddress(vaultAuth, mint)
	if err != nil {
		return nil, err
	}
	return &DerivedAddresses{
		Escrow:            escrow,
		EscrowBump:        bump,
		VaultAuthority:    vaultAuth,
		VaultTokenAccount: vaultAta,
	}, nil
}

// verifyEscrow re-derives the escrow address from the deal id and parties
// and checks it against the stored address. The address used in the account
// list must be provably derived from the same bytes embedded in the payload;
// a mismatch aborts before anything reaches the network.
func (b *Builder) verifyEscrow(k DealKeys) error {
	derived, _, err := b.deriver.EscrowAddress(k.DealID, k.Seller, k.Buyer, k.Mint)
	if err != nil {
		return err
	}
	if !derived.Equals(k.Escrow) {
		return fmt.Errorf("%w: deal %s stored %s, derived %s",
			ErrPDAMismatch, k.DealID, k.Escrow, derived)
	}
	return nil
}

// dealIDSuffix returns the deal id bytes appended to payloads under the
// deal-id seed scheme, or nothing under the legacy parties scheme.
func (b *Builder) dealIDSuffix(id string) ([]byte, error) {
	if b.deriver.Scheme() != pda.SchemeDealID {
		return nil, nil
	}
	return dealid.ToBytes(id)
}

// checkPayloadLen asserts the assembled payload matches the program layout.
func (b *Builder) checkPayloadLen(instruction string, payload []byte, base int) error {
	want := base
	if b.deriver.Scheme() == pda.SchemeDealID {
		want += dealid.ByteLen
	}
	if len(payload) != want {
		return fmt.Errorf("%w: %s payload is %d bytes, want %d",
			ErrInstructionEncoding, instruction, len(payload), want)
	}
	return nil
}

// Initiate builds the escrow-creation instruction. The seller is the payer.
func (b *Builder) Initiate(k DealKeys, amountUnits uint64, feeBps uint16, disputeDeadline time.Time) (solana.Instruction, error) {
	if err := b.verifyEscrow(k); err != nil {
		return nil, err
	}
	vaultAuth, _, err := b.deriver.VaultAuthority(k.Escrow)
	if err != nil {
		return nil, err
	}
	vaultAta, err := pda.AssociatedTokenAddress(vaultAuth, k.Mint)
	if err != nil {
		return nil, err
	}

	sel := anchor.Selector("initiate")
	payload := append([]byte{}, sel[:]...)
	amt, err := anchor.EncodeUint(amountUnits, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrInstructionEncoding, err)
	}
	fee, err := anchor.EncodeUint(uint64(feeBps), 2)
	if err != nil {
		return nil, fmt.Errorf("%w: fee basis points: %v", ErrInstructionEncoding, err)
	}
	dis, err := anchor.EncodeInt(disputeDeadline.Unix(), 8)
	if err != nil {
		return nil, fmt.Errorf("%w: dispute deadline: %v", ErrInstructionEncoding, err)
	}
	payload = append(payload, amt...)
	payload = append(payload, fee...)
	payload = append(payload, dis...)
	idBytes, err := b.dealIDSuffix(k.DealID)
	if err != nil {
		return nil, err
	}
	payload = append(payload, idBytes...)
	if err := b.checkPayloadLen("initiate", payload, 26); err != nil {
		return nil, err
	}

	return solana.NewInstruction(b.deriver.ProgramID(), solana.AccountMetaSlice{
		solana.Meta(k.Seller).WRITE().SIGNER(),
		solana.Meta(k.Seller),
		solana.Meta(k.Buyer),
		solana.Meta(k.Arbiter),
		solana.Meta(k.Mint),
		solana.Meta(k.Escrow).WRITE(),
		solana.Meta(vaultAuth),
		solana.Meta(vaultAta).WRITE(),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SPLAssociatedTokenAccountProgramID),
		solana.Meta(solana.SysVarRentPubkey),
	}, payload), nil
}

// dealScopedPayload builds a selector + optional deal id payload, the layout
// shared by fund, release and refund.
func (b *Builder) dealScopedPayload(instruction, dealID string) ([]byte, error) {
	sel := anchor.Selector(instruction)
	payload := append([]byte{}, sel[:]...)
	idBytes, err := b.dealIDSuffix(dealID)
	if err != nil {
		return nil, err
	}
	payload = append(payload, idBytes...)
	if err := b.checkPayloadLen(instruction, payload, anchor.SelectorSize); err != nil {
		return nil, err
	}
	return payload, nil
}

// Fund builds the instruction moving the deal amount from the buyer's token
// account into the vault.
func (b *Builder) Fund(k DealKeys) (solana.Instruction, error) {
	if err := b.verifyEscrow(k); err != nil {
		return nil, err
	}
	vaultAuth, _, err := b.deriver.VaultAuthority(k.Escrow)
	if err != nil {
		return nil, err
	}
	vaultAta, err := pda.AssociatedTokenAddress(vaultAuth, k.Mint)
	if err != nil {
		return nil, err
	}
	buyerAta, err := pda.AssociatedTokenAddress(k.Buyer, k.Mint)
	if err != nil {
		return nil, err
	}
	payload, err := b.dealScopedPayload("fund", k.DealID)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(b.deriver.ProgramID(), solana.AccountMetaSlice{
		solana.Meta(k.Buyer).WRITE().SIGNER(),
		solana.Meta(k.Escrow).WRITE(),
		solana.Meta(buyerAta).WRITE(),
		solana.Meta(vaultAta).WRITE(),
		solana.Meta(solana.TokenProgramID),
	}, payload), nil
}

// Release builds the instruction paying the vault out to the seller.
func (b *Builder) Release(k DealKeys) (solana.Instruction, error) {
	return b.payout(k, "release", k.Seller)
}

// Refund builds the instruction returning the vault to the buyer.
func (b *Builder) Refund(k DealKeys) (solana.Instruction, error) {
	return b.payout(k, "refund", k.Buyer)
}

func (b *Builder) payout(k DealKeys, instruction string, recipient solana.PublicKey) (solana.Instruction, error) {
	if err := b.verifyEscrow(k); err != nil {
		return nil, err
	}
	vaultAuth, _, err := b.deriver.VaultAuthority(k.Escrow)
	if err != nil {
		return nil, err
	}
	vaultAta, err := pda.AssociatedTokenAddress(vaultAuth, k.Mint)
	if err != nil {
		return nil, err
	}
	recipientAta, err := pda.AssociatedTokenAddress(recipient, k.Mint)
	if err != nil {
		return nil, err
	}
	payload, err := b.dealScopedPayload(instruction, k.DealID)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(b.deriver.ProgramID(), solana.AccountMetaSlice{
		solana.Meta(recipient).WRITE().SIGNER(),
		solana.Meta(k.Escrow).WRITE(),
		solana.Meta(vaultAuth),
		solana.Meta(vaultAta).WRITE(),
		solana.Meta(recipientAta).WRITE(),
		solana.Meta(solana.TokenProgramID),
	}, payload), nil
}

// OpenDispute builds the dispute-opening instruction for either party.
func (b *Builder) OpenDispute(k DealKeys, caller solana.PublicKey) (solana.Instruction, error) {
	if err := b.verifyEscrow(k); err != nil {
		return nil, err
	}
	sel := anchor.Selector("open_dispute")
	payload := append([]byte{}, sel[:]...)
	if len(payload) != anchor.SelectorSize {
		return nil, fmt.Errorf("%w: open_dispute payload is %d bytes, want %d",
			ErrInstructionEncoding, len(payload), anchor.SelectorSize)
	}
	return solana.NewInstruction(b.deriver.ProgramID(), solana.AccountMetaSlice{
		solana.Meta(caller).SIGNER(),
		solana.Meta(k.Escrow).WRITE(),
	}, payload), nil
}

// Resolve builds the arbiter's verdict instruction.
func (b *Builder) Resolve(k DealKeys, verdict Verdict) (solana.Instruction, error) {
	if err := b.verifyEscrow(k); err != nil {
		return nil, err
	}
	if verdict != VerdictRelease && verdict != VerdictRefund {
		return nil, fmt.Errorf("%w: resolve verdict %d out of range", ErrInstructionEncoding, verdict)
	}
	sel := anchor.Selector("resolve")
	payload := append([]byte{}, sel[:]...)
	payload = append(payload, byte(verdict))
	if len(payload) != anchor.SelectorSize+1 {
		return nil, fmt.Errorf("%w: resolve payload is %d bytes, want %d",
			ErrInstructionEncoding, len(payload), anchor.SelectorSize+1)
	}
	return solana.NewInstruction(b.deriver.ProgramID(), solana.AccountMetaSlice{
		solana.Meta(k.Arbiter).SIGNER(),
		solana.Meta(k.Escrow).WRITE(),
	}, payload), nil
}
