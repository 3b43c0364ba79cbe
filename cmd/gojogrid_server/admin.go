package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/cluster/raftmembership"
)

// membershipAdmin is the part of raftmembership.Service the admin API
// drives.
type membershipAdmin interface {
	IsLeader() bool
	AddVoter(id string, addr raft.ServerAddress) error
	RemoveVoter(id string) error
	AddMember(m cluster.Member) error
	RemoveMember(uuid string) error
	Members() []cluster.Member
}

// adminHandler serves the raft membership admin API: /join, /leave and
// /members.
type adminHandler struct {
	membership membershipAdmin
	logger     *zap.Logger
}

func newAdminHandler(membership membershipAdmin, logger *zap.Logger) *adminHandler {
	return &adminHandler{membership: membership, logger: logger.Named("admin")}
}

func (h *adminHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("/join", h.handleJoin)
	mux.HandleFunc("/leave", h.handleLeave)
	mux.HandleFunc("/members", h.handleMembers)
}

// handleJoin adds a raft voter and replicates the member it hosts.
func (h *adminHandler) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodeID := r.URL.Query().Get("node_id")
	address := r.URL.Query().Get("address")
	raftAddr := r.URL.Query().Get("raft_addr")
	if nodeID == "" || address == "" || raftAddr == "" {
		http.Error(w, "node_id, address and raft_addr are required", http.StatusBadRequest)
		return
	}
	if !h.membership.IsLeader() {
		http.Error(w, "Not the raft leader", http.StatusForbidden)
		return
	}

	if err := h.membership.AddVoter(nodeID, raft.ServerAddress(raftAddr)); err != nil {
		h.fail(w, "Failed to add voter", nodeID, err)
		return
	}
	if err := h.membership.AddMember(cluster.Member{UUID: nodeID, Address: address}); err != nil {
		h.fail(w, "Failed to replicate member join", nodeID, err)
		return
	}
	h.logger.Info("Member joined", zap.String("member_uuid", nodeID), zap.String("address", address), zap.String("raft_addr", raftAddr))
	fmt.Fprintf(w, "Member %s (%s) joined\n", nodeID, address)
}

// handleLeave replicates a member leave and drops its raft voter.
func (h *adminHandler) handleLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		http.Error(w, "node_id is required", http.StatusBadRequest)
		return
	}
	if !h.membership.IsLeader() {
		http.Error(w, "Not the raft leader", http.StatusForbidden)
		return
	}

	if err := h.membership.RemoveMember(nodeID); err != nil && !errors.Is(err, cluster.ErrMemberNotFound) {
		h.fail(w, "Failed to replicate member leave", nodeID, err)
		return
	}
	if err := h.membership.RemoveVoter(nodeID); err != nil {
		h.fail(w, "Failed to remove voter", nodeID, err)
		return
	}
	h.logger.Info("Member left", zap.String("member_uuid", nodeID))
	fmt.Fprintf(w, "Member %s left\n", nodeID)
}

func (h *adminHandler) handleMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.membership.Members()); err != nil {
		h.logger.Warn("Failed to encode member list", zap.Error(err))
	}
}

func (h *adminHandler) fail(w http.ResponseWriter, msg, nodeID string, err error) {
	h.logger.Error(msg, zap.String("member_uuid", nodeID), zap.Error(err))
	status := http.StatusInternalServerError
	if errors.Is(err, raftmembership.ErrNotLeader) {
		status = http.StatusForbidden
	}
	http.Error(w, fmt.Sprintf("%s: %v", msg, err), status)
}
