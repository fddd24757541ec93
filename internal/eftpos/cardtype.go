package eftpos

import "strings"

type CardType string

const (
	CardVisa       CardType = "visa"
	CardMastercard CardType = "mastercard"
	CardAmex       CardType = "amex"
	CardAlipay     CardType = "alipay"
	CardEftpos     CardType = "eftpos"
)

var cardMatchers = []struct {
	needles []string
	card    CardType
}{
	{[]string{"visa"}, CardVisa},
	{[]string{"mastercard", "master card", "mcard"}, CardMastercard},
	{[]string{"amex", "american express"}, CardAmex},
	{[]string{"alipay"}, CardAlipay},
}

// ClassifyCard maps a provider card label onto a card type. Anything
// unrecognised, including an empty label, is a plain EFTPOS card.
func ClassifyCard(label string) CardType {
	l := strings.ToLower(label)
	for _, m := range cardMatchers {
		for _, n := range m.needles {
			if strings.Contains(l, n) {
				return m.card
			}
		}
	}
	return CardEftpos
}
