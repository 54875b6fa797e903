// Package fdx serves financial-account data (customers, accounts, statements,
// transactions and transfer networks) through activities registered on the
// task engine.
package fdx

type Name struct {
	First string `json:"first"`
	Last  string `json:"last"`
}

type Customer struct {
	CustomerID string `json:"customerId"`
	Name       Name   `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type Account struct {
	AccountID         string  `json:"accountId"`
	AccountCategory   string  `json:"accountCategory"` // DEPOSIT_ACCOUNT, LOAN_ACCOUNT, ...
	AccountType       string  `json:"accountType"`
	AccountNumber     string  `json:"accountNumberDisplay"`
	DisplayName       string  `json:"displayName"`
	Status            string  `json:"status"`
	Currency          string  `json:"currency"`
	CurrentBalance    float64 `json:"currentBalance"`
	AvailableBalance  float64 `json:"availableBalance"`
	BalanceAsOf       string  `json:"balanceAsOf"`
	ProductName       string  `json:"productName,omitempty"`
	InterestRate      float64 `json:"interestRate,omitempty"`
	InterestRateType  string  `json:"interestRateType,omitempty"`
	NickName          string  `json:"nickname,omitempty"`
	ParentAccountID   string  `json:"parentAccountId,omitempty"`
	LineOfBusiness    string  `json:"lineOfBusiness,omitempty"`
	RoutingTransitNum string  `json:"routingTransitNumber,omitempty"`
}

type Address struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type Contact struct {
	Holders    []Name    `json:"holders"`
	Emails     []string  `json:"emails,omitempty"`
	Addresses  []Address `json:"addresses,omitempty"`
	Telephones []string  `json:"telephones,omitempty"`
}

type Statement struct {
	StatementID   string `json:"statementId"`
	StatementDate string `json:"statementDate"`
	Description   string `json:"description"`
	Status        string `json:"status"`
}

type Transaction struct {
	TransactionID   string  `json:"transactionId"`
	PostedTimestamp string  `json:"postedTimestamp"`
	Description     string  `json:"description"`
	DebitCreditMemo string  `json:"debitCreditMemo"` // DEBIT or CREDIT
	Amount          float64 `json:"amount"`
	Status          string  `json:"status"`
	Category        string  `json:"category,omitempty"`
}

// PaymentNetwork describes how an account can be reached for payments (ACH, wire, RTP).
type PaymentNetwork struct {
	BankID      string `json:"bankId"`
	Identifier  string `json:"identifier"`
	Type        string `json:"type"`
	TransferIn  bool   `json:"transferIn"`
	TransferOut bool   `json:"transferOut"`
}

// AssetTransferNetwork describes how holdings move between institutions (ACATS, DTC, ...).
type AssetTransferNetwork struct {
	Identifier      string `json:"identifier"`
	InstitutionName string `json:"institutionName"`
	InstitutionID   string `json:"institutionId"`
	Type            string `json:"type"`
	JointAccount    bool   `json:"jointAccount"`
}

// CustomerRecord is the unit of storage: one customer with everything
// reachable from it.
type CustomerRecord struct {
	Customer Customer        `json:"customer"`
	Accounts []AccountRecord `json:"accounts"`
}

type AccountRecord struct {
	Account               Account                `json:"account"`
	Contact               Contact                `json:"contact"`
	Statements            []Statement            `json:"statements"`
	Transactions          []Transaction          `json:"transactions"`
	PaymentNetworks       []PaymentNetwork       `json:"paymentNetworks"`
	AssetTransferNetworks []AssetTransferNetwork `json:"assetTransferNetworks"`
}

func (r *CustomerRecord) account(accountID string) (*AccountRecord, bool) {
	for i := range r.Accounts {
		if r.Accounts[i].Account.AccountID == accountID {
			return &r.Accounts[i], true
		}
	}
	return nil, false
}

func (a *AccountRecord) statement(statementID string) (Statement, bool) {
	for _, s := range a.Statements {
		if s.StatementID == statementID {
			return s, true
		}
	}
	return Statement{}, false
}
