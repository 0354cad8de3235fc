package orderparse

import "regexp"

var (
	affiliateAliases = aliasSet{"aid", "affiliateId", "affiliate_id", "ref"}
	campaignAliases  = aliasSet{"cid", "campaignId", "campaign_id"}
	sessionAliases   = aliasSet{"sessionId", "session_id", "sid"}
	visitorAliases   = aliasSet{"visitorId", "visitor_id", "vid"}
)

var (
	noteAffiliatePattern = regexp.MustCompile(`(?i)\b(?:ref|aid|affiliate)\s*=\s*([A-Za-z0-9_-]+)`)
	noteCampaignPattern  = regexp.MustCompile(`(?i)\b(?:cid|campaign)\s*=\s*([A-Za-z0-9_-]+)`)
)

// attributionHints is what a single source contributed.
type attributionHints struct {
	affiliateID string
	campaignID  string
	sessionID   string
	visitorID   string
}

// attribution merges the four sources field by field; for each field the
// highest-priority source that has a value wins.
func attribution(p *payload) attributionHints {
	sources := []attributionHints{
		fromBuyerNote(p),
		fromCustomFieldMap(p),
		fromChannelInfo(p),
		fromCustomFieldList(p),
	}

	var out attributionHints
	for _, s := range sources {
		out.affiliateID = firstNonEmpty(out.affiliateID, s.affiliateID)
		out.campaignID = firstNonEmpty(out.campaignID, s.campaignID)
		out.sessionID = firstNonEmpty(out.sessionID, s.sessionID)
		out.visitorID = firstNonEmpty(out.visitorID, s.visitorID)
	}
	out.visitorID = firstNonEmpty(out.visitorID, str(dig(p.order, "buyerInfo", "visitorId")))
	return out
}

// fromBuyerNote reads "ref=XYZ" style markers a shopper or checkout script
// left in the free-text note.
func fromBuyerNote(p *payload) attributionHints {
	note := firstNonEmpty(str(p.order["buyerNote"]), str(p.root["buyerNote"]))
	if note == "" {
		return attributionHints{}
	}
	var h attributionHints
	if m := noteAffiliatePattern.FindStringSubmatch(note); m != nil {
		h.affiliateID = m[1]
	}
	if m := noteCampaignPattern.FindStringSubmatch(note); m != nil {
		h.campaignID = m[1]
	}
	return h
}

func fromCustomFieldMap(p *payload) attributionHints {
	m := object(p.order["customFields"])
	if m == nil {
		m = object(p.root["customFields"])
	}
	if m == nil {
		return attributionHints{}
	}
	return attributionHints{
		affiliateID: affiliateAliases.lookup(m),
		campaignID:  campaignAliases.lookup(m),
		sessionID:   sessionAliases.lookup(m),
		visitorID:   visitorAliases.lookup(m),
	}
}

func fromChannelInfo(p *payload) attributionHints {
	ch := object(p.order["channelInfo"])
	if ch == nil {
		return attributionHints{}
	}
	return attributionHints{
		affiliateID: str(ch["affiliateId"]),
		sessionID:   str(ch["externalOrderId"]),
	}
}

// fromCustomFieldList scans [{"name": "aid", "value": "..."}] style arrays.
func fromCustomFieldList(p *payload) attributionHints {
	var h attributionHints
	for _, raw := range [][]any{
		list(dig(p.order, "buyerInfo", "customFields")),
		list(p.order["customFields"]),
		list(p.order["extendedFields"]),
	} {
		for _, entry := range raw {
			e := object(entry)
			if e == nil {
				continue
			}
			name := firstNonEmpty(str(e["name"]), str(e["key"]), str(e["title"]))
			value := str(e["value"])
			if name == "" || value == "" {
				continue
			}
			switch {
			case affiliateAliases.matches(name):
				h.affiliateID = firstNonEmpty(h.affiliateID, value)
			case campaignAliases.matches(name):
				h.campaignID = firstNonEmpty(h.campaignID, value)
			case sessionAliases.matches(name):
				h.sessionID = firstNonEmpty(h.sessionID, value)
			case visitorAliases.matches(name):
				h.visitorID = firstNonEmpty(h.visitorID, value)
			}
		}
	}
	return h
}
