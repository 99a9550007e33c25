// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"maps"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/cobaltcore-dev/cortex-placement/internal/placement"
	"github.com/cobaltcore-dev/cortex-placement/internal/placement/candidates"
	"github.com/google/uuid"
	"github.com/majewsky/gg/option"
)

var suffixPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Prefixes of the query parameters which may carry a group suffix.
var groupParams = []string{"resources", "required", "member_of", "in_tree"}

// Parse the query of GET /allocation_candidates into a request, e.g.
//
//	?resources=VCPU:1,MEMORY_MB:512&required=HW_CPU_X86_AVX,!CUSTOM_SLOW
//	&resources_NIC=SRIOV_NET_VF:1&required_NIC=in:HW_NIC_OFFLOAD_GENEVE,HW_NIC_OFFLOAD_VXLAN
//	&member_of=in:<agg1>,<agg2>&group_policy=isolate&limit=10
//
// Suffixed groups must be served by a single provider each.
func parseCandidatesQuery(query url.Values) (candidates.Request, error) {
	req := candidates.Request{IncludeMappings: true}
	groups := map[string]*candidates.RequestGroup{}
	group := func(suffix string) *candidates.RequestGroup {
		if g, ok := groups[suffix]; ok {
			return g
		}
		g := &candidates.RequestGroup{Suffix: suffix, UseSameProvider: suffix != ""}
		groups[suffix] = g
		return g
	}

	for key, values := range query {
		switch key {
		case "limit":
			limit, err := strconv.Atoi(values[0])
			if err != nil || limit < 1 {
				return req, placement.BadRequest("invalid limit %q", values[0])
			}
			req.Limit = option.Some(limit)
			continue
		case "group_policy":
			req.GroupPolicy = candidates.GroupPolicy(values[0])
			continue
		case "root_required":
			required, forbidden, err := parseTraits(values, false)
			if err != nil {
				return req, err
			}
			req.RootRequired, req.RootForbidden = required, forbidden
			continue
		}
		prefix, suffix, ok := splitGroupParam(key)
		if !ok {
			return req, placement.BadRequest("unknown query parameter %q", key)
		}
		if suffix != "" && !suffixPattern.MatchString(suffix) {
			return req, placement.BadRequest("invalid request group suffix %q", suffix)
		}
		g := group(suffix)
		switch prefix {
		case "resources":
			if len(values) > 1 {
				return req, placement.BadRequest("%s must be given at most once", key)
			}
			resources, err := parseResources(values[0])
			if err != nil {
				return req, err
			}
			g.Resources = resources
		case "required":
			required, forbidden, err := parseTraits(values, true)
			if err != nil {
				return req, err
			}
			g.RequiredTraits, g.ForbiddenTraits = required, forbidden
		case "member_of":
			memberOf, forbidden, err := parseMemberOf(values)
			if err != nil {
				return req, err
			}
			g.MemberOf, g.ForbiddenAggregates = memberOf, forbidden
		case "in_tree":
			if _, err := uuid.Parse(values[0]); err != nil {
				return req, placement.BadRequest("invalid in_tree uuid %q", values[0])
			}
			g.InTree = values[0]
		}
	}
	for _, suffix := range slices.Sorted(maps.Keys(groups)) {
		req.Groups = append(req.Groups, *groups[suffix])
	}
	return req, nil
}

// Split e.g. "required_NIC" into "required" and "_NIC". The suffix keeps
// its separator, so that "resources1" and "resources_1" differ.
func splitGroupParam(key string) (prefix, suffix string, ok bool) {
	for _, p := range groupParams {
		if rest, found := strings.CutPrefix(key, p); found {
			return p, rest, true
		}
	}
	return "", "", false
}

func splitList(value string) []string {
	var result []string
	for item := range strings.SplitSeq(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

// Parse "VCPU:1,MEMORY_MB:512".
func parseResources(value string) (map[string]int, error) {
	result := map[string]int{}
	for _, item := range splitList(value) {
		class, amountStr, ok := strings.Cut(item, ":")
		if !ok {
			return nil, placement.BadRequest("invalid resource %q, expected CLASS:AMOUNT", item)
		}
		amount, err := strconv.Atoi(amountStr)
		if err != nil || amount < 1 {
			return nil, placement.BadRequest("invalid amount of %s: %q", class, amountStr)
		}
		if _, ok := result[class]; ok {
			return nil, placement.BadRequest("resource class %s given more than once", class)
		}
		result[class] = amount
	}
	if len(result) == 0 {
		return nil, placement.BadRequest("empty resources")
	}
	return result, nil
}

// Parse trait lists. Each value is either "in:A,B" (any of) or a list of
// required and, prefixed with "!", forbidden traits. All values must hold.
func parseTraits(values []string, allowAnyOf bool) (required [][]string, forbidden []string, err error) {
	for _, value := range values {
		if rest, ok := strings.CutPrefix(value, "in:"); ok {
			names := splitList(rest)
			if !allowAnyOf || len(names) == 0 || slices.ContainsFunc(names, func(n string) bool { return strings.HasPrefix(n, "!") }) {
				return nil, nil, placement.BadRequest("invalid trait list %q", value)
			}
			required = append(required, names)
			continue
		}
		for _, name := range splitList(value) {
			if trait, ok := strings.CutPrefix(name, "!"); ok {
				forbidden = append(forbidden, trait)
			} else {
				required = append(required, []string{name})
			}
		}
	}
	return required, forbidden, nil
}

// Parse aggregate filters: "in:A,B" or "A" require membership in any of
// the aggregates, "!in:A,B" or "!A" forbid membership in all of them.
func parseMemberOf(values []string) (memberOf [][]string, forbidden []string, err error) {
	for _, value := range values {
		negated := false
		if rest, ok := strings.CutPrefix(value, "!"); ok {
			negated, value = true, rest
		}
		value = strings.TrimPrefix(value, "in:")
		uuids := splitList(value)
		if len(uuids) == 0 {
			return nil, nil, placement.BadRequest("empty member_of")
		}
		for _, u := range uuids {
			if _, err := uuid.Parse(u); err != nil {
				return nil, nil, placement.BadRequest("invalid aggregate uuid %q", u)
			}
		}
		if negated {
			forbidden = append(forbidden, uuids...)
		} else {
			memberOf = append(memberOf, uuids)
		}
	}
	return memberOf, forbidden, nil
}
