package wtsvc

import (
	"github.com/woelfl-tw/freerdp-server/internal/protocol/drdynvc"
)

// receiveChannelData is the transport receive callback. It routes one chunk
// to the static channel holding the transport id and reports whether the
// chunk was consumed.
func (m *Manager) receiveChannelData(channelID uint16, data []byte, flags uint32, totalSize int) bool {
	for i := 0; i < m.peer.NumChannels(); i++ {
		slot := m.peer.StaticChannel(i)
		if slot.ChannelID != channelID {
			continue
		}
		ch := slot.Handle
		if ch == nil {
			return false
		}
		m.processChannelData(ch, data, flags, totalSize)
		return true
	}

	return false
}

// processChannelData reassembles transport-level chunks. A completed message
// on the drdynvc channel feeds the DVC PDU handler; on any other channel it
// becomes one item on the channel's receive queue.
func (m *Manager) processChannelData(ch *Channel, data []byte, flags uint32, totalSize int) {
	if flags&ChannelFlagFirst != 0 {
		ch.reassembly.Reset()
	}

	ch.reassembly.Write(data)

	if flags&ChannelFlagLast == 0 {
		return
	}

	if ch.reassembly.Len() != totalSize {
		vcLog.Warn("channel %d: reassembled %d bytes, transport announced %d",
			ch.transportID, ch.reassembly.Len(), totalSize)
	}
	if m.isDrdynvc(ch) {
		m.handleDrdynvcPDU(ch.reassembly.Bytes())
	} else {
		ch.queueReceive(ch.reassembly.Bytes())
	}
	ch.reassembly.Reset()
}

func (m *Manager) isDrdynvc(ch *Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drdynvc == ch
}

// handleDrdynvcPDU decodes one PDU from the drdynvc stream. Malformed or
// unknown PDUs are logged and dropped; the stream stays synchronized because
// the static channel layer delivers whole messages. Capability is the only
// command honored before the handshake completes.
func (m *Manager) handleDrdynvcPDU(data []byte) {
	pdu, err := drdynvc.Decode(data)
	if err != nil {
		dvcLog.Warn("dropping PDU: %v", err)
		return
	}

	if pdu.Cmd == drdynvc.CmdCapability {
		m.mu.Lock()
		m.state = drdynvcStateReady
		m.mu.Unlock()
		dvcLog.Debug("capabilities version %d", pdu.Version)
		return
	}

	m.mu.Lock()
	ready := m.state == drdynvcStateReady
	m.mu.Unlock()
	if !ready {
		dvcLog.Warn("received command 0x%02x before capability exchange", pdu.Cmd)
		return
	}

	dvc := m.dynamicByID(pdu.ChannelID)
	if dvc == nil {
		dvcLog.Debug("channel id %d does not exist", pdu.ChannelID)
		return
	}

	switch pdu.Cmd {
	case drdynvc.CmdCreate:
		m.handleCreateResponse(dvc, pdu)
	case drdynvc.CmdDataFirst:
		m.handleDataFirst(dvc, pdu)
	case drdynvc.CmdData:
		m.handleData(dvc, pdu)
	case drdynvc.CmdClose:
		dvcLog.Debug("channel %d close response", dvc.dvcID)
		dvc.setOpenState(dvcOpenClosed)
	}
}

// handleCreateResponse records the peer's verdict on a pending create
// request and raises the channel's wake so a caller polling readiness
// observes the transition.
func (m *Manager) handleCreateResponse(dvc *Channel, pdu *drdynvc.PDU) {
	status, err := pdu.CreationStatus()
	if err != nil {
		dvcLog.Warn("channel %d create response: %v", dvc.dvcID, err)
		return
	}

	if status < 0 {
		dvcLog.Debug("channel %d creation failed (%d)", dvc.dvcID, status)
		dvc.setOpenState(dvcOpenFailed)
	} else {
		dvcLog.Debug("channel %d creation succeeded", dvc.dvcID)
		dvc.setOpenState(dvcOpenSucceeded)
	}

	dvc.receiveWake.Set()
}

// handleDataFirst starts reassembly of a fragmented payload. Delivery
// happens once the follow-up data PDUs complete the declared total.
func (m *Manager) handleDataFirst(dvc *Channel, pdu *drdynvc.PDU) {
	if uint32(len(pdu.Data)) > pdu.Length {
		dvcLog.Warn("channel %d first fragment longer than declared total, discarded", dvc.dvcID)
		return
	}

	dvc.reassembly.Reset()
	dvc.reassembly.Write(pdu.Data)
	dvc.pendingLen = pdu.Length
}

func (m *Manager) handleData(dvc *Channel, pdu *drdynvc.PDU) {
	if dvc.pendingLen == 0 {
		// Unfragmented payload, deliver as-is.
		dvc.queueReceive(pdu.Data)
		return
	}

	if uint32(dvc.reassembly.Len())+uint32(len(pdu.Data)) > dvc.pendingLen {
		dvc.pendingLen = 0
		dvcLog.Warn("channel %d incorrect fragment data, discarded", dvc.dvcID)
		return
	}

	dvc.reassembly.Write(pdu.Data)
	if uint32(dvc.reassembly.Len()) >= dvc.pendingLen {
		dvc.queueReceive(dvc.reassembly.Bytes()[:dvc.pendingLen])
		dvc.pendingLen = 0
		dvc.reassembly.Reset()
	}
}
