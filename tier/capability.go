package tier

// Capability identifies one product agent a customer can be entitled to.
type Capability string

const (
	CapContentStrategist        Capability = "content_strategist"
	CapSocialMediaOrchestrator  Capability = "social_media_orchestrator"
	CapSEODomination            Capability = "seo_domination"
	CapEmailMarketingMaestro    Capability = "email_marketing_maestro"
	CapAnalyticsIntelligence    Capability = "analytics_intelligence"
	CapLeadGenerationSpecialist Capability = "lead_generation_specialist"
	CapBrandGuardian            Capability = "brand_guardian"
	CapPaidAdvertisingOptimizer Capability = "paid_advertising_optimizer"
	CapCustomerJourneyArchitect Capability = "customer_journey_architect"
)

// Capabilities returns every known capability in catalog order.
func Capabilities() []Capability {
	return []Capability{
		CapContentStrategist,
		CapSocialMediaOrchestrator,
		CapSEODomination,
		CapEmailMarketingMaestro,
		CapAnalyticsIntelligence,
		CapLeadGenerationSpecialist,
		CapBrandGuardian,
		CapPaidAdvertisingOptimizer,
		CapCustomerJourneyArchitect,
	}
}

func (c Capability) Valid() bool {
	for _, known := range Capabilities() {
		if c == known {
			return true
		}
	}
	return false
}

type SupportLevel string

const (
	SupportNone      SupportLevel = ""
	SupportCommunity SupportLevel = "community"
	SupportStandard  SupportLevel = "standard"
	SupportPriority  SupportLevel = "priority"
	SupportDedicated SupportLevel = "dedicated"
)

func (s SupportLevel) Valid() bool {
	switch s {
	case SupportCommunity, SupportStandard, SupportPriority, SupportDedicated:
		return true
	}
	return false
}

// PastDueAccess controls what a past-due customer keeps during the grace
// period.
type PastDueAccess string

const (
	// PastDueFull keeps the tier's full capability set.
	PastDueFull PastDueAccess = "full"
	// PastDueRestricted keeps only the tier's past_due_capabilities.
	PastDueRestricted PastDueAccess = "restricted"
	// PastDueNone revokes everything as soon as a payment fails.
	PastDueNone PastDueAccess = "none"
)

func (a PastDueAccess) Valid() bool {
	switch a {
	case PastDueFull, PastDueRestricted, PastDueNone:
		return true
	}
	return false
}

// Unlimited is the quota value for a capability without a limit.
const Unlimited int64 = -1
