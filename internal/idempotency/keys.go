package idempotency

import "warden/internal/constants"

// Claims for the three webhook sub-event families. Inbound messages and
// echoes of the same WhatsApp message ID must not collide, and each
// status transition of a message is its own unit of work.

func MessageClaim(messageID string) Claim {
	return Claim{
		Key:       messageID,
		MessageID: messageID,
		Type:      TypeMessage,
	}
}

func StatusClaim(messageID, statusValue string) Claim {
	return Claim{
		Key:       constants.DedupKeyStatusPrefix + messageID + "_" + statusValue,
		MessageID: messageID,
		Type:      TypeStatus,
	}
}

func EchoClaim(messageID string) Claim {
	return Claim{
		Key:       constants.DedupKeyEchoPrefix + messageID,
		MessageID: messageID,
		Type:      TypeEcho,
	}
}
