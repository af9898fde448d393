// smoke-access drives a full grant lifecycle in process: fund, own, submit,
// approve, verify, extend, revoke. Exits non-zero on the first divergence.
package main

import (
	"context"
	"errors"
	"log"
	"time"

	"datapass.org/internal/grant"
	"datapass.org/internal/wallet"
)

const (
	directoryID = "directory"
	ownerID     = "owner-smoke"
	requesterID = "requester-smoke"
	resourceID  = "dataset-smoke"
)

func main() {
	log.SetFlags(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wallets := wallet.NewInMemory()
	grants := grant.NewInMemory(wallets, directoryID)

	if _, err := wallets.Open(ctx, requesterID, 10_000); err != nil {
		log.Fatalf("open requester wallet: %v", err)
	}
	if _, err := wallets.Open(ctx, ownerID, 0); err != nil {
		log.Fatalf("open owner wallet: %v", err)
	}

	if err := grants.RecordOwnership(ctx, directoryID, resourceID, ownerID); err != nil {
		log.Fatalf("record ownership: %v", err)
	}

	req, err := grants.SubmitRequest(ctx, requesterID, grant.Submission{
		ResourceID: resourceID,
		Purpose:    "smoke check",
		Duration:   time.Hour,
		Amount:     1_000,
		Kind:       grant.PaymentOneTime,
	})
	if err != nil {
		log.Fatalf("submit request: %v", err)
	}

	if _, err := grants.Approve(ctx, ownerID, req.ID); err != nil {
		log.Fatalf("approve: %v", err)
	}
	if err := grants.VerifyAccess(ctx, resourceID, requesterID); err != nil {
		log.Fatalf("verify after approve: %v", err)
	}

	ownerBal, err := wallets.Balance(ctx, ownerID)
	if err != nil {
		log.Fatalf("owner balance: %v", err)
	}
	if ownerBal != 1_000 {
		log.Fatalf("settlement mismatch: owner holds %d, want 1000", ownerBal)
	}

	// Extend by a tenth of the window: proportional charge of 100.
	if _, err := grants.ExtendAccess(ctx, requesterID, req.ID, 6*time.Minute); err != nil {
		log.Fatalf("extend: %v", err)
	}
	ownerBal, _ = wallets.Balance(ctx, ownerID)
	if ownerBal != 1_100 {
		log.Fatalf("extension charge mismatch: owner holds %d, want 1100", ownerBal)
	}

	if _, err := grants.Revoke(ctx, ownerID, resourceID, requesterID); err != nil {
		log.Fatalf("revoke: %v", err)
	}
	if err := grants.VerifyAccess(ctx, resourceID, requesterID); !errors.Is(err, grant.ErrNotAuthorized) {
		log.Fatalf("verify after revoke: want ErrNotAuthorized, got %v", err)
	}

	final, err := grants.GetRequest(ctx, req.ID)
	if err != nil {
		log.Fatalf("get request: %v", err)
	}
	if final.Status != grant.StatusRevoked {
		log.Fatalf("final status %s, want revoked", final.Status)
	}

	log.Println("smoke-access OK")
}
