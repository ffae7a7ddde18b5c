package sdo

// Command specifier (ccs), bits 7-5 of byte 0, used by the client to open
// a new transfer while the server is idle.
const (
	ccsDownloadInitiate = 0x20
	ccsUploadInitiate   = 0x40
	ccsUploadBlock      = 0xA0
	ccsDownloadBlock    = 0xC0
)

// processIncoming dispatches a just-received client frame to the rx*
// handler appropriate for the server's current state, mirroring
// processOutgoing's state-keyed dispatch on the tx side.
func (server *SDOServer) processIncoming(rx SDOResponse) error {
	if rx.IsAbort() {
		server.logger.Warn("[RX] client aborted transfer",
			"index", server.index,
			"subindex", server.subindex,
			"code", rx.GetAbortCode(),
		)
		server.state = stateIdle
		return nil
	}

	switch server.state {
	case stateIdle:
		switch rx.raw[0] & 0xE0 {
		case ccsDownloadInitiate:
			server.state = stateDownloadInitiateReq
			if err := server.updateStreamer(rx); err != nil {
				return err
			}
			return server.rxDownloadInitiate(rx)
		case ccsUploadInitiate:
			server.state = stateUploadInitiateReq
			if err := server.updateStreamer(rx); err != nil {
				return err
			}
			return server.rxUploadInitiate(rx)
		case ccsUploadBlock:
			server.state = stateUploadBlkInitiateReq
			if err := server.updateStreamer(rx); err != nil {
				return err
			}
			return server.rxUploadBlockInitiate(rx)
		case ccsDownloadBlock:
			server.state = stateDownloadBlkInitiateReq
			if err := server.updateStreamer(rx); err != nil {
				return err
			}
			return server.rxDownloadBlockInitiate(rx)
		default:
			return AbortCmd
		}

	case stateDownloadSegmentReq:
		return server.rxDownloadSegment(rx)

	case stateUploadSegmentReq:
		return server.rxUploadSegment(rx)

	case stateDownloadBlkSubblockReq:
		return server.rxDownloadBlockSubBlock(rx)

	case stateDownloadBlkEndReq:
		return server.rxDownloadBlockEnd(rx)

	case stateUploadBlkInitiateReq2:
		if rx.raw[0] != 0xA3 {
			return AbortCmd
		}
		server.blockSequenceNb = 0
		server.state = stateUploadBlkSubblockSreq
		return nil

	case stateUploadBlkSubblockCrsp:
		return server.rxUploadSubBlock(rx)

	case stateUploadBlkEndCrsp:
		server.state = stateIdle
		return nil

	default:
		return AbortCmd
	}
}
