/*
Package rank computes the global and per-role rank assignment for a
worker group once a rendezvous round has formed. Every participating
node publishes a RoleInstanceInfo (its role, group rank, and local
world size) to the shared rendezvous.Store, gathers every other
node's info back, and derives its workers' ranks from the sorted
result — no node needs a side channel to any other.
*/
package rank

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/lattice-ml/lattice-agent/pkg/rendezvous"
)

const roleInfoKeyPrefix = "lattice/role_info/"

// RoleInstanceInfo is what one node publishes to the rendezvous store
// so every other node can compute rank offsets without a coordinator.
type RoleInstanceInfo struct {
	Role           string `json:"role"`
	Rank           int    `json:"rank"`
	LocalWorldSize int    `json:"local_world_size"`
}

func (r RoleInstanceInfo) serialize() ([]byte, error) {
	return json.Marshal(r)
}

func deserializeRoleInfo(data []byte) (RoleInstanceInfo, error) {
	var r RoleInstanceInfo
	if err := json.Unmarshal(data, &r); err != nil {
		return RoleInstanceInfo{}, fmt.Errorf("rank: deserialize role info: %w", err)
	}
	return r, nil
}

// Compare orders two infos by role first, then by rank within the
// role. It defines the total order the rank assignment is computed
// over, so every node must sort with the same function.
func Compare(a, b RoleInstanceInfo) int {
	if a.Role == b.Role {
		return a.Rank - b.Rank
	}
	if a.Role > b.Role {
		return 1
	}
	return -1
}

// FindRoleBoundaries returns the first and last index (inclusive) in
// a role-sorted slice whose Role equals role. ok is false if role is
// not present.
func FindRoleBoundaries(infos []RoleInstanceInfo, role string) (start, end int, ok bool) {
	start, end = -1, -1
	for idx, info := range infos {
		if info.Role == role {
			if start == -1 {
				start = idx
			}
			end = idx
		}
	}
	return start, end, start != -1
}

// GetRanks computes the total local_world_size across [startIdx,
// endIdx) and the contiguous rank range assigned to the entry at
// idx, offset by the local_world_size of every preceding entry in
// that window.
func GetRanks(infos []RoleInstanceInfo, idx, startIdx, endIdx int) (worldSize int, ranks []int) {
	var prefixSum, total int
	for i := startIdx; i < endIdx; i++ {
		if idx > i {
			prefixSum += infos[i].LocalWorldSize
		}
		total += infos[i].LocalWorldSize
	}
	ranks = make([]int, infos[idx].LocalWorldSize)
	for i := range ranks {
		ranks[i] = prefixSum + i
	}
	return total, ranks
}

// ShareAndGather publishes this node's RoleInstanceInfo under
// groupRank and blocks until every one of groupWorldSize participants
// has done the same, returning all of them in publish order (indexed
// by group rank, not sorted).
func ShareAndGather(store rendezvous.Store, groupRank, groupWorldSize int, role string, localWorldSize int, barrierTimeout time.Duration) ([]RoleInstanceInfo, error) {
	mine := RoleInstanceInfo{Role: role, Rank: groupRank, LocalWorldSize: localWorldSize}
	encoded, err := mine.serialize()
	if err != nil {
		return nil, fmt.Errorf("rank: serialize role info: %w", err)
	}
	raw, err := rendezvous.Synchronize(store, encoded, groupRank, groupWorldSize, roleInfoKeyPrefix, barrierTimeout)
	if err != nil {
		return nil, fmt.Errorf("rank: share and gather role info: %w", err)
	}
	infos := make([]RoleInstanceInfo, len(raw))
	for i, b := range raw {
		info, err := deserializeRoleInfo(b)
		if err != nil {
			return nil, err
		}
		infos[i] = info
	}
	return infos, nil
}

// GlobalRanks is the result of DetermineGlobalRanks: the world size of
// the whole job and the contiguous block of global ranks assigned to
// this node's local workers.
type GlobalRanks struct {
	RoleInfos []RoleInstanceInfo
	WorldSize int
	Ranks     []int
}

// DetermineGlobalRanks gathers every node's RoleInstanceInfo and
// assigns this node's localWorldSize workers a contiguous block of
// global ranks, offset by the local_world_size of every node whose
// group rank is smaller than groupRank. Role is ignored: all nodes in
// the job, regardless of role, share one global rank space.
func DetermineGlobalRanks(store rendezvous.Store, groupRank, groupWorldSize int, role string, localWorldSize int, barrierTimeout time.Duration) (GlobalRanks, error) {
	infos, err := ShareAndGather(store, groupRank, groupWorldSize, role, localWorldSize, barrierTimeout)
	if err != nil {
		return GlobalRanks{}, err
	}
	worldSize, ranks := GetRanks(infos, groupRank, 0, len(infos))
	return GlobalRanks{RoleInfos: infos, WorldSize: worldSize, Ranks: ranks}, nil
}

// RoleRanks is the result of DetermineRoleRanks: the world size of
// this node's role and the contiguous block of role-scoped ranks
// assigned to its local workers.
type RoleRanks struct {
	WorldSize int
	Ranks     []int
}

// DetermineRoleRanks sorts the already-gathered infos by (role, group
// rank) and assigns this node's workers a contiguous rank block
// scoped to the subset of nodes sharing myRole, offset from the first
// node (by group rank) with that role.
func DetermineRoleRanks(infos []RoleInstanceInfo, myRole string, myGroupRank int) (RoleRanks, error) {
	sorted := append([]RoleInstanceInfo(nil), infos...)
	sort.Slice(sorted, func(i, j int) bool { return Compare(sorted[i], sorted[j]) < 0 })

	startIdx, endIdx, ok := FindRoleBoundaries(sorted, myRole)
	if !ok {
		return RoleRanks{}, fmt.Errorf("rank: role %q not present among gathered infos", myRole)
	}
	pos := -1
	for idx, info := range sorted {
		if info.Role == myRole && info.Rank == myGroupRank {
			pos = idx
			break
		}
	}
	if pos == -1 {
		return RoleRanks{}, fmt.Errorf("rank: group rank %d not found for role %q", myGroupRank, myRole)
	}
	worldSize, ranks := GetRanks(sorted, pos, startIdx, endIdx+1)
	return RoleRanks{WorldSize: worldSize, Ranks: ranks}, nil
}
