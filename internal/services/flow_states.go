package services

import "fmt"

// State is a flow engine state. The set is closed; every value below
// numStates has a handler.
type State int

const (
	StateMainMenu State = iota
	StateCategoryList
	StateSubcategoryList
	StateProductList
	StateWaitingEmailForOrders
	StateViewingOrderDetails
	StateAdvisorMenu
	StateWaitingAdvisorQuery
	StateWaitingQuoteDataForAdvisor
	StateQuoteSelectBrand
	StateQuoteSelectModel
	StateQuoteSelectCategory
	StateQuoteSelectSubcategory
	StateQuoteViewResults
	StateViewingInfo
	StateWithAdvisor
	StateUpdatingPromo
	StateSelectingClientToFinalize

	numStates
)

var stateNames = [numStates]string{
	StateMainMenu:                   "MAIN_MENU",
	StateCategoryList:               "CATEGORY_LIST",
	StateSubcategoryList:            "SUBCATEGORY_LIST",
	StateProductList:                "PRODUCT_LIST",
	StateWaitingEmailForOrders:      "WAITING_EMAIL_FOR_ORDERS",
	StateViewingOrderDetails:        "VIEWING_ORDER_DETAILS",
	StateAdvisorMenu:                "ADVISOR_MENU",
	StateWaitingAdvisorQuery:        "WAITING_ADVISOR_QUERY",
	StateWaitingQuoteDataForAdvisor: "WAITING_QUOTE_DATA_FOR_ADVISOR",
	StateQuoteSelectBrand:           "QUOTE_SELECT_BRAND",
	StateQuoteSelectModel:           "QUOTE_SELECT_MODEL",
	StateQuoteSelectCategory:        "QUOTE_SELECT_CATEGORY",
	StateQuoteSelectSubcategory:     "QUOTE_SELECT_SUBCATEGORY",
	StateQuoteViewResults:           "QUOTE_VIEW_RESULTS",
	StateViewingInfo:                "VIEWING_INFO",
	StateWithAdvisor:                "WITH_ADVISOR",
	StateUpdatingPromo:              "UPDATING_PROMO",
	StateSelectingClientToFinalize:  "SELECTING_CLIENT_TO_FINALIZE",
}

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Valid reports whether s is a member of the state set.
func (s State) Valid() bool {
	return s >= 0 && s < numStates
}

// ParseState maps a state name back to its value.
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if n == name {
			return State(i), true
		}
	}
	return 0, false
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

// hasOptions reports whether the state answers from Context.Options.
func (s State) hasOptions() bool {
	switch s {
	case StateCategoryList, StateSubcategoryList, StateProductList,
		StateViewingOrderDetails, StateQuoteSelectBrand, StateQuoteSelectModel,
		StateQuoteSelectCategory, StateQuoteSelectSubcategory, StateQuoteViewResults:
		return true
	}
	return false
}
