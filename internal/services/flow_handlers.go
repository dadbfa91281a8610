package services

import (
	"context"
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/Ananth-NQI/wabot/internal/catalog"
	"github.com/Ananth-NQI/wabot/internal/models"
)

type stateHandler func(e *Engine, ctx context.Context, s *Session, in input) error

var stateHandlers [numStates]stateHandler

func init() {
	stateHandlers = [numStates]stateHandler{
		StateMainMenu:                   (*Engine).handleMainMenu,
		StateCategoryList:               (*Engine).handleCategoryList,
		StateSubcategoryList:            (*Engine).handleSubcategoryList,
		StateProductList:                (*Engine).handleProductList,
		StateWaitingEmailForOrders:      (*Engine).handleWaitingEmail,
		StateViewingOrderDetails:        (*Engine).handleViewingOrderDetails,
		StateAdvisorMenu:                (*Engine).handleAdvisorMenu,
		StateWaitingAdvisorQuery:        (*Engine).handleWaitingAdvisorQuery,
		StateWaitingQuoteDataForAdvisor: (*Engine).handleWaitingQuoteData,
		StateQuoteSelectBrand:           (*Engine).handleQuoteSelectBrand,
		StateQuoteSelectModel:           (*Engine).handleQuoteSelectModel,
		StateQuoteSelectCategory:        (*Engine).handleQuoteSelectCategory,
		StateQuoteSelectSubcategory:     (*Engine).handleQuoteSelectSubcategory,
		StateQuoteViewResults:           (*Engine).handleQuoteViewResults,
		StateViewingInfo:                (*Engine).handleViewingInfo,
		StateWithAdvisor:                (*Engine).handleOrphanState,
		StateUpdatingPromo:              (*Engine).handleOrphanState,
		StateSelectingClientToFinalize:  (*Engine).handleOrphanState,
	}
	for st, h := range stateHandlers {
		if h == nil {
			panic(fmt.Sprintf("services: no handler for %s", State(st)))
		}
	}
}

const maxRowTitle = 24

var mainMenuRows = []models.ListRow{
	{ID: "catalog", Title: "🛒 Catalog", Description: "Browse our products"},
	{ID: "quote", Title: "🚗 Parts for my vehicle", Description: "Search by brand and model"},
	{ID: "orders", Title: "📦 My orders", Description: "Check the status of an order"},
	{ID: "advisor", Title: "👤 Talk to an advisor"},
	{ID: "info", Title: "ℹ️ Store info", Description: "Hours, location and promos"},
}

var advisorButtons = []models.Button{
	{ID: "advisor_query", Title: "❓ Ask a question"},
	{ID: "advisor_quote", Title: "🧾 Request a quote"},
	{ID: "menu", Title: "🏠 Main menu"},
}

var infoButtons = []models.Button{
	{ID: "advisor", Title: "👤 Talk to an advisor"},
	{ID: "menu", Title: "🏠 Main menu"},
}

var greetings = map[string]bool{"hi": true, "hello": true, "hey": true, "hola": true, "start": true, "menu": true}

// plainTitle drops leading emoji and punctuation so typed titles match.
func plainTitle(title string) string {
	return strings.ToLower(strings.TrimLeftFunc(title, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
}

// pickOption resolves list input by row id, 1-based position or title.
func pickOption(in input, rows []models.ListRow) (models.ListRow, bool) {
	for _, r := range rows {
		if in.buttonID != "" && in.buttonID == r.ID {
			return r, true
		}
	}
	if n, ok := in.number(); ok {
		if n >= 1 && n <= len(rows) {
			return rows[n-1], true
		}
		return models.ListRow{}, false
	}
	if in.norm == "" {
		return models.ListRow{}, false
	}
	for _, r := range rows {
		if in.norm == strings.ToLower(r.ID) || in.norm == strings.ToLower(r.Title) || in.norm == plainTitle(r.Title) {
			return r, true
		}
	}
	return models.ListRow{}, false
}

// pickButton accepts only a button id or the exact button title.
func pickButton(in input, buttons []models.Button) (models.Button, bool) {
	for _, b := range buttons {
		if in.buttonID != "" && in.buttonID == b.ID {
			return b, true
		}
		if in.norm != "" && (in.norm == strings.ToLower(b.Title) || in.norm == plainTitle(b.Title)) {
			return b, true
		}
	}
	return models.Button{}, false
}

func rowID(id, prefix string) (int, bool) {
	v, ok := strings.CutPrefix(id, prefix+":")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

// sendOptions moves s into a list state and shows rows as a list message,
// or as a numbered text menu when they do not fit one.
func (e *Engine) sendOptions(ctx context.Context, s *Session, state State, body, label string, rows []models.ListRow) error {
	s.State = state
	s.Context.Options = rows

	if len(rows) <= models.MaxListRows {
		return e.reply(ctx, s.Phone, models.ListMessage(body, label, models.ListSection{Title: label, Rows: rows}))
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	for i, r := range rows {
		fmt.Fprintf(&b, "\n%d. %s", i+1, r.Title)
	}
	b.WriteString("\n\nReply with a number, or type *menu* to go back.")
	return e.reply(ctx, s.Phone, models.TextMessage(truncate(b.String(), models.MaxTextLength)))
}

func (e *Engine) rejectOption(ctx context.Context, s *Session, what string) error {
	return e.reply(ctx, s.Phone, models.TextMessage(fmt.Sprintf(
		"❌ Please choose a %s from the list (1-%d), or type *menu* to go back.", what, len(s.Context.Options))))
}

func (e *Engine) showMainMenu(ctx context.Context, s *Session, prefix string) error {
	s.reset(e.clock.Now())
	body := fmt.Sprintf("👋 Welcome to %s! How can we help you today?", e.cfg.StoreName)
	if prefix != "" {
		body = prefix + "\n\n" + body
	}
	return e.reply(ctx, s.Phone, models.ListMessage(body, "Menu", models.ListSection{Title: "Main menu", Rows: mainMenuRows}))
}

func (e *Engine) catalogUnavailable(ctx context.Context, s *Session, err error) error {
	e.logger.Warn("catalog lookup failed", zap.Error(err), zap.String("phone", s.Phone), zap.String("state", s.State.String()))
	return e.showMainMenu(ctx, s, "⚠️ We couldn't reach our catalog right now. Please try again later.")
}

// MAIN_MENU

func (e *Engine) handleMainMenu(ctx context.Context, s *Session, in input) error {
	opt, ok := pickOption(in, mainMenuRows)
	if !ok {
		if greetings[in.norm] {
			return e.showMainMenu(ctx, s, "")
		}
		return e.showMainMenu(ctx, s, "🤔 Sorry, I didn't get that. Please choose an option from the menu.")
	}

	switch opt.ID {
	case "catalog":
		return e.enterCatalog(ctx, s)
	case "quote":
		return e.enterQuote(ctx, s)
	case "orders":
		s.State = StateWaitingEmailForOrders
		return e.reply(ctx, s.Phone, models.TextMessage("📧 Please type the email address you used for your purchases."))
	case "advisor":
		return e.enterAdvisorMenu(ctx, s)
	case "info":
		return e.enterInfo(ctx, s)
	}
	return fmt.Errorf("main menu option %q has no action", opt.ID)
}

// Catalog browsing

func categoryRows(cats []catalog.Category) []models.ListRow {
	rows := make([]models.ListRow, 0, len(cats))
	for _, c := range cats {
		row := models.ListRow{ID: fmt.Sprintf("category:%d", c.ID), Title: truncate(c.Name, maxRowTitle)}
		if c.Count > 0 {
			row.Description = fmt.Sprintf("%d products", c.Count)
		}
		rows = append(rows, row)
	}
	return rows
}

func productRows(products []catalog.Product) []models.ListRow {
	rows := make([]models.ListRow, 0, len(products)+1)
	for _, p := range products {
		row := models.ListRow{ID: fmt.Sprintf("product:%d", p.ID), Title: truncate(p.Name, maxRowTitle)}
		if p.Price != "" {
			row.Description = "$" + p.Price
		}
		rows = append(rows, row)
	}
	return rows
}

func termRows(prefix string, terms []catalog.Term) []models.ListRow {
	rows := make([]models.ListRow, 0, len(terms))
	for _, t := range terms {
		rows = append(rows, models.ListRow{ID: fmt.Sprintf("%s:%d", prefix, t.ID), Title: truncate(t.Name, maxRowTitle)})
	}
	return rows
}

func (e *Engine) enterCatalog(ctx context.Context, s *Session) error {
	cats, err := e.catalog.Categories(ctx)
	if err != nil {
		return e.catalogUnavailable(ctx, s, err)
	}
	if len(cats) == 0 {
		return e.showMainMenu(ctx, s, "😕 Our catalog is empty right now.")
	}
	s.Context = FlowContext{}
	return e.sendOptions(ctx, s, StateCategoryList, "🛒 Choose a category:", "Categories", categoryRows(cats))
}

func (e *Engine) handleCategoryList(ctx context.Context, s *Session, in input) error {
	if in.isKeyword("menu") {
		return e.showMainMenu(ctx, s, "")
	}
	opt, ok := pickOption(in, s.Context.Options)
	if !ok {
		return e.rejectOption(ctx, s, "category")
	}
	id, ok := rowID(opt.ID, "category")
	if !ok {
		return fmt.Errorf("bad category row %q", opt.ID)
	}

	subs, err := e.catalog.Subcategories(ctx, id)
	if err != nil {
		return e.catalogUnavailable(ctx, s, err)
	}
	s.Context.CategoryID = id
	s.Context.CategoryName = opt.Title
	s.Context.SubcategoryID = 0
	if len(subs) == 0 {
		return e.showProducts(ctx, s, 1)
	}
	return e.sendOptions(ctx, s, StateSubcategoryList,
		fmt.Sprintf("📂 %s: choose a subcategory:", opt.Title), "Subcategories", categoryRows(subs))
}

func (e *Engine) handleSubcategoryList(ctx context.Context, s *Session, in input) error {
	if in.isKeyword("menu") {
		return e.showMainMenu(ctx, s, "")
	}
	opt, ok := pickOption(in, s.Context.Options)
	if !ok {
		return e.rejectOption(ctx, s, "subcategory")
	}
	id, ok := rowID(opt.ID, "category")
	if !ok {
		return fmt.Errorf("bad subcategory row %q", opt.ID)
	}
	s.Context.SubcategoryID = id
	return e.showProducts(ctx, s, 1)
}

func (e *Engine) showProducts(ctx context.Context, s *Session, page int) error {
	categoryID := s.Context.CategoryID
	if s.Context.SubcategoryID != 0 {
		categoryID = s.Context.SubcategoryID
	}

	res, err := e.catalog.Products(ctx, categoryID, page, e.cfg.ProductsPerPage)
	if err != nil {
		return e.catalogUnavailable(ctx, s, err)
	}
	if len(res.Products) == 0 {
		return e.showMainMenu(ctx, s, "😕 There are no products in this category yet.")
	}

	rows := productRows(res.Products)
	if res.HasMore {
		rows = append(rows, models.ListRow{ID: "more", Title: "➡️ More products"})
	}
	s.Context.Page = page
	s.Context.HasMore = res.HasMore
	return e.sendOptions(ctx, s, StateProductList,
		fmt.Sprintf("🛍️ Products, page %d. Pick one to see the details:", page), "Products", rows)
}

func (e *Engine) handleProductList(ctx context.Context, s *Session, in input) error {
	if in.isKeyword("menu") {
		return e.showMainMenu(ctx, s, "")
	}
	opt, ok := pickOption(in, s.Context.Options)
	if !ok {
		return e.rejectOption(ctx, s, "product")
	}
	if opt.ID == "more" {
		return e.showProducts(ctx, s, s.Context.Page+1)
	}
	id, ok := rowID(opt.ID, "product")
	if !ok {
		return fmt.Errorf("bad product row %q", opt.ID)
	}
	return e.showProductDetail(ctx, s, id)
}

var htmlTag = regexp.MustCompile(`<[^>]*>`)

// showProductDetail answers with the product card and keeps the state, so
// another row can be picked.
func (e *Engine) showProductDetail(ctx context.Context, s *Session, id int) error {
	p, err := e.catalog.Product(ctx, id)
	if err != nil {
		e.logger.Warn("load product", zap.Error(err), zap.Int("product_id", id))
		return e.reply(ctx, s.Phone, models.TextMessage("⚠️ We couldn't load that product right now. Please try again later."))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", p.Name)
	if p.Price != "" {
		fmt.Fprintf(&b, "💲 Price: $%s\n", p.Price)
	}
	if p.InStock() {
		b.WriteString("✅ In stock\n")
	} else {
		b.WriteString("⛔ Out of stock\n")
	}
	if p.SKU != "" {
		fmt.Fprintf(&b, "SKU: %s\n", p.SKU)
	}
	if desc := strings.TrimSpace(htmlTag.ReplaceAllString(p.ShortDescription, "")); desc != "" {
		fmt.Fprintf(&b, "\n%s\n", truncate(desc, 600))
	}
	if p.Permalink != "" {
		fmt.Fprintf(&b, "\n🔗 %s\n", p.Permalink)
	}
	b.WriteString("\nPick another item from the list or type *menu*.")

	if len(p.Images) > 0 {
		return e.reply(ctx, s.Phone, models.MediaMessage(p.Images[0], models.KindImage, truncate(b.String(), 1024)))
	}
	return e.reply(ctx, s.Phone, models.TextMessage(b.String()))
}

// Orders

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndex(s, "@")
	return at > 0 && strings.Contains(s[at+1:], ".")
}

func (e *Engine) handleWaitingEmail(ctx context.Context, s *Session, in input) error {
	if in.isKeyword("menu") {
		return e.showMainMenu(ctx, s, "")
	}
	if !validEmail(in.raw) {
		return e.reply(ctx, s.Phone, models.TextMessage(
			"❌ That doesn't look like a valid email address. Please check it and try again, or type *menu*."))
	}

	orders, err := e.catalog.OrdersByEmail(ctx, in.raw)
	if err != nil {
		return e.catalogUnavailable(ctx, s, err)
	}
	if len(orders) == 0 {
		return e.showMainMenu(ctx, s, fmt.Sprintf("📭 We couldn't find orders for %s.", in.raw))
	}
	if len(orders) > models.MaxListRows {
		orders = orders[:models.MaxListRows]
	}

	rows := make([]models.ListRow, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, models.ListRow{
			ID:          fmt.Sprintf("order:%d", o.ID),
			Title:       truncate("Order #"+o.Number, maxRowTitle),
			Description: fmt.Sprintf("%s · %s %s", o.Status, o.Total, o.Currency),
		})
	}
	s.Context = FlowContext{Email: in.raw, Orders: orders}
	return e.sendOptions(ctx, s, StateViewingOrderDetails, "📦 Your recent orders. Pick one to see the details:", "Orders", rows)
}

func (e *Engine) handleViewingOrderDetails(ctx context.Context, s *Session, in input) error {
	if in.isKeyword("menu") {
		return e.showMainMenu(ctx, s, "")
	}
	opt, ok := pickOption(in, s.Context.Options)
	if !ok {
		return e.rejectOption(ctx, s, "order")
	}
	id, _ := rowID(opt.ID, "order")

	for _, o := range s.Context.Orders {
		if o.ID != id {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "📦 *Order #%s*\nStatus: %s\n", o.Number, o.Status)
		if o.DateCreated != "" {
			fmt.Fprintf(&b, "Date: %s\n", o.DateCreated)
		}
		if len(o.Items) > 0 {
			b.WriteString("\nItems:\n")
			for _, it := range o.Items {
				fmt.Fprintf(&b, "• %d × %s (%s)\n", it.Quantity, it.Name, it.Total)
			}
		}
		fmt.Fprintf(&b, "\nTotal: %s %s\n\nPick another order or type *menu*.", o.Total, o.Currency)
		return e.reply(ctx, s.Phone, models.TextMessage(truncate(b.String(), models.MaxTextLength)))
	}
	return fmt.Errorf("order row %q not in session", opt.ID)
}

// Advisor

func (e *Engine) enterAdvisorMenu(ctx context.Context, s *Session) error {
	s.State = StateAdvisorMenu
	return e.reply(ctx, s.Phone, models.ButtonsMessage("👤 How can our advisors help you?", advisorButtons...))
}

func (e *Engine) handleAdvisorMenu(ctx context.Context, s *Session, in input) error {
	b, ok := pickButton(in, advisorButtons)
	if !ok {
		return e.reply(ctx, s.Phone, models.ButtonsMessage("Please choose one of the buttons below.", advisorButtons...))
	}
	switch b.ID {
	case "advisor_query":
		s.State = StateWaitingAdvisorQuery
		return e.reply(ctx, s.Phone, models.TextMessage("✍️ Please describe your question in one message and an advisor will pick it up."))
	case "advisor_quote":
		return e.enterQuoteData(ctx, s)
	default:
		return e.showMainMenu(ctx, s, "")
	}
}

func queryText(in input) string {
	if in.media == nil {
		return in.raw
	}
	return strings.TrimSpace(fmt.Sprintf("[%s] %s", in.media.Kind, in.raw))
}

func (e *Engine) handleWaitingAdvisorQuery(ctx context.Context, s *Session, in input) error {
	if in.isKeyword("menu") {
		return e.showMainMenu(ctx, s, "")
	}
	query := queryText(in)
	if query == "" {
		return e.reply(ctx, s.Phone, models.TextMessage("✍️ Please type your question, or *menu* to go back."))
	}
	return e.escalate(ctx, s, query)
}

func (e *Engine) enterQuoteData(ctx context.Context, s *Session) error {
	s.State = StateWaitingQuoteDataForAdvisor
	s.Context.Options = nil
	msg := "🧾 Tell us the vehicle brand, model and year, and the part you need."
	if s.Context.Quote != (catalog.QuoteFilters{}) {
		msg = fmt.Sprintf("🧾 We'll send your search (%s) to an advisor. Add any detail that helps, like the year or part number.",
			s.Context.Quote.Summary())
	}
	return e.reply(ctx, s.Phone, models.TextMessage(msg))
}

func (e *Engine) handleWaitingQuoteData(ctx context.Context, s *Session, in input) error {
	if in.isKeyword("menu") {
		return e.showMainMenu(ctx, s, "")
	}
	text := queryText(in)
	if text == "" {
		return e.reply(ctx, s.Phone, models.TextMessage("🧾 Please describe the part you need, or *menu* to go back."))
	}
	query := text
	if s.Context.Quote != (catalog.QuoteFilters{}) {
		query = fmt.Sprintf("Quote request (%s)\n%s", s.Context.Quote.Summary(), text)
	}
	return e.escalate(ctx, s, query)
}

// Quote wizard

func (e *Engine) enterQuote(ctx context.Context, s *Session) error {
	brands, err := e.catalog.Brands(ctx)
	if err != nil {
		return e.catalogUnavailable(ctx, s, err)
	}
	if len(brands) == 0 {
		return e.showMainMenu(ctx, s, "😕 Vehicle search is not available right now.")
	}
	s.Context = FlowContext{}
	return e.sendOptions(ctx, s, StateQuoteSelectBrand, "🚗 Select your vehicle brand:", "Brands", termRows("brand", brands))
}

func (e *Engine) handleQuoteSelectBrand(ctx context.Context, s *Session, in input) error {
	if in.isKeyword("menu") {
		return e.showMainMenu(ctx, s, "")
	}
	opt, ok := pickOption(in, s.Context.Options)
	if !ok {
		return e.rejectOption(ctx, s, "brand")
	}
	id, _ := rowID(opt.ID, "brand")

	vehicleModels, err := e.catalog.Models(ctx)
	if err != nil {
		return e.catalogUnavailable(ctx, s, err)
	}
	s.Context.Quote.BrandID = id
	s.Context.Quote.BrandName = opt.Title
	if len(vehicleModels) == 0 {
		return e.quoteCategories(ctx, s)
	}
	return e.sendOptions(ctx, s, StateQuoteSelectModel,
		fmt.Sprintf("🚗 %s: select the model:", opt.Title), "Models", termRows("model", vehicleModels))
}

func (e *Engine) handleQuoteSelectModel(ctx context.Context, s *Session, in input) error {
	if in.isKeyword("menu") {
		return e.showMainMenu(ctx, s, "")
	}
	opt, ok := pickOption(in, s.Context.Options)
	if !ok {
		return e.rejectOption(ctx, s, "model")
	}
	id, _ := rowID(opt.ID, "model")
	s.Context.Quote.ModelID = id
	s.Context.Quote.ModelName = opt.Title
	return e.quoteCategories(ctx, s)
}

func (e *Engine) quoteCategories(ctx context.Context, s *Session) error {
	cats, err := e.catalog.Categories(ctx)
	if err != nil {
		return e.catalogUnavailable(ctx, s, err)
	}
	if len(cats) == 0 {
		return e.quoteResults(ctx, s)
	}
	return e.sendOptions(ctx, s, StateQuoteSelectCategory, "🔧 What kind of part do you need?", "Categories", categoryRows(cats))
}

func (e *Engine) handleQuoteSelectCategory(ctx context.Context, s *Session, in input) error {
	if in.isKeyword("menu") {
		return e.showMainMenu(ctx, s, "")
	}
	opt, ok := pickOption(in, s.Context.Options)
	if !ok {
		return e.rejectOption(ctx, s, "category")
	}
	id, _ := rowID(opt.ID, "category")

	subs, err := e.catalog.Subcategories(ctx, id)
	if err != nil {
		return e.catalogUnavailable(ctx, s, err)
	}
	s.Context.Quote.CategoryID = id
	s.Context.Quote.CategoryName = opt.Title
	if len(subs) == 0 {
		return e.quoteResults(ctx, s)
	}
	return e.sendOptions(ctx, s, StateQuoteSelectSubcategory,
		fmt.Sprintf("🔧 %s: choose a subcategory:", opt.Title), "Subcategories", categoryRows(subs))
}

func (e *Engine) handleQuoteSelectSubcategory(ctx context.Context, s *Session, in input) error {
	if in.isKeyword("menu") {
		return e.showMainMenu(ctx, s, "")
	}
	opt, ok := pickOption(in, s.Context.Options)
	if !ok {
		return e.rejectOption(ctx, s, "subcategory")
	}
	id, _ := rowID(opt.ID, "category")
	s.Context.Quote.SubcategoryID = id
	s.Context.Quote.SubcategoryName = opt.Title
	return e.quoteResults(ctx, s)
}

func (e *Engine) quoteResults(ctx context.Context, s *Session) error {
	products, err := e.catalog.SearchProducts(ctx, s.Context.Quote, models.MaxListRows-1)
	if err != nil {
		return e.catalogUnavailable(ctx, s, err)
	}
	if len(products) > models.MaxListRows-1 {
		products = products[:models.MaxListRows-1]
	}

	summary := s.Context.Quote.Summary()
	body := fmt.Sprintf("🔎 Parts for %s:", summary)
	if len(products) == 0 {
		body = fmt.Sprintf("😕 No parts matched %s. An advisor can prepare a quote for you.", summary)
	}
	rows := append(productRows(products), models.ListRow{ID: "advisor", Title: "👤 Ask an advisor"})
	return e.sendOptions(ctx, s, StateQuoteViewResults, body, "Results", rows)
}

func (e *Engine) handleQuoteViewResults(ctx context.Context, s *Session, in input) error {
	if in.isKeyword("menu") {
		return e.showMainMenu(ctx, s, "")
	}
	opt, ok := pickOption(in, s.Context.Options)
	if !ok {
		return e.rejectOption(ctx, s, "part")
	}
	if opt.ID == "advisor" {
		return e.enterQuoteData(ctx, s)
	}
	id, _ := rowID(opt.ID, "product")
	return e.showProductDetail(ctx, s, id)
}

// Info

func (e *Engine) enterInfo(ctx context.Context, s *Session) error {
	s.State = StateViewingInfo

	var b strings.Builder
	fmt.Fprintf(&b, "ℹ️ *About %s*\n\n%s", e.cfg.StoreName, e.cfg.StoreInfo)
	if promo := e.currentPromo(ctx); promo != "" {
		fmt.Fprintf(&b, "\n\n🎉 *Current promo*\n%s", promo)
	}
	return e.reply(ctx, s.Phone, models.ButtonsMessage(truncate(b.String(), models.MaxTextLength), infoButtons...))
}

func (e *Engine) handleViewingInfo(ctx context.Context, s *Session, in input) error {
	b, ok := pickButton(in, infoButtons)
	if !ok {
		return e.reply(ctx, s.Phone, models.ButtonsMessage("Please use the buttons below.", infoButtons...))
	}
	if b.ID == "advisor" {
		return e.enterAdvisorMenu(ctx, s)
	}
	return e.showMainMenu(ctx, s, "")
}

// handleOrphanState covers states a client session cannot legitimately be
// in at dispatch time.
func (e *Engine) handleOrphanState(ctx context.Context, s *Session, _ input) error {
	e.logger.Warn("dispatch in unexpected state", zap.String("phone", s.Phone), zap.String("state", s.State.String()))
	return e.showMainMenu(ctx, s, "")
}
